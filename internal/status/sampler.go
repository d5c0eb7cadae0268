package status

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
)

// Sampler polls a tool process and the host, feeding the Reporter's
// core-usage history and host usage from its own goroutine.
type Sampler struct {
	reporter *Reporter
	interval time.Duration
	proc     *process.Process
}

// NewSampler watches the process pid and registers it with r as the
// program runner.
func NewSampler(r *Reporter, pid int, interval time.Duration) (*Sampler, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("watch process %d: %w", pid, err)
	}
	if interval <= 0 {
		interval = r.cfg.SampleInterval
	}
	r.SetProgRunner(pid)
	return &Sampler{reporter: r, interval: interval, proc: proc}, nil
}

// Run samples every interval until ctx is done or the process exits.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			running, err := s.proc.IsRunningWithContext(ctx)
			if err != nil || !running {
				logging.Debug("sampled process exited", zap.Int32("pid", s.proc.Pid))
				return nil
			}
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce takes one process and host sample.
func (s *Sampler) SampleOnce(ctx context.Context) {
	if pct, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		s.reporter.AddCoreUsageSample(pct / 100)
	} else {
		logging.Debug("process cpu sample failed", zap.Int32("pid", s.proc.Pid), zap.Error(err))
	}

	var hostCPU, freeMB float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		hostCPU = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		freeMB = float64(vm.Available) / (1024 * 1024)
	}
	s.reporter.SetHostUsage(hostCPU, freeMB)
}
