// Package status maintains the manager's status document. Callers drive
// every transition; each update is rendered to XML, published to the
// message queue, pushed to the broker database on its own cadence and
// written to disk at most once per MinWriteInterval. Every write also
// polls for the AbortProcessingNow.txt flag file.
package status

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/events"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/storage/local"
)

const (
	AbortFileName           = "AbortProcessingNow.txt"
	AbortDoneSuffix         = ".done"
	DefaultMinWriteInterval = 2 * time.Second
	DefaultTopic            = "Manager.Status"
	DefaultSampleInterval   = 5 * time.Second

	// StatusFileMode keeps the status file readable by external monitors.
	StatusFileMode = 0644
)

// Publisher receives every rendered status document.
type Publisher interface {
	Publish(events.Message)
}

// DocumentSink is a throttled secondary destination such as BrokerSink.
type DocumentSink interface {
	Send(ctx context.Context, doc []byte, force bool) error
}

// Config configures a Reporter.
type Config struct {
	MgrName string
	// Path is the status file; empty disables disk writes.
	Path string
	// AbortFilePath defaults to AbortProcessingNow.txt next to Path.
	AbortFilePath    string
	Topic            string
	MinWriteInterval time.Duration
	// SampleInterval sizes the core-usage history to CoreUsageWindow.
	SampleInterval time.Duration
	Queue          Publisher
	Broker         DocumentSink
	// OnAbort is called once when the abort flag file is consumed.
	OnAbort func()
}

// TaskUpdate carries the fields UpdateAndWrite changes.
type TaskUpdate struct {
	MgrStatus     MgrStatus
	TaskStatus    TaskStatus
	Detail        TaskStatusDetail
	Progress      float64
	SpectrumCount int
	LogMessage    string
	ErrorMessage  string
	JobInfo       string
	ForceBroker   bool
}

// Reporter holds the current snapshot and delivers it to the sinks.
type Reporter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	snap      Snapshot
	errs      ErrorRing
	lastWrite time.Time

	cores *CoreUsageHistory
	abort atomic.Bool
}

// New creates a Reporter with the manager stopped and no task.
func New(cfg Config) *Reporter {
	if cfg.MinWriteInterval <= 0 {
		cfg.MinWriteInterval = DefaultMinWriteInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.AbortFilePath == "" && cfg.Path != "" {
		cfg.AbortFilePath = filepath.Join(filepath.Dir(cfg.Path), AbortFileName)
	}
	r := &Reporter{
		cfg:   cfg,
		now:   time.Now,
		cores: NewCoreUsageHistory(CoreUsageWindow, cfg.SampleInterval),
	}
	r.snap = Snapshot{
		MgrName:       cfg.MgrName,
		MgrStatus:     MgrStopped,
		LastStartTime: r.now(),
		ProcessID:     os.Getpid(),
	}
	return r
}

// AbortRequested reports whether an abort flag file has been consumed.
// Once set it stays set.
func (r *Reporter) AbortRequested() bool { return r.abort.Load() }

// Snapshot returns a copy of the current state.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	s := r.snap
	s.RecentErrors = r.errs.Messages()
	r.mu.Unlock()
	s.CoreUsage = r.cores.Samples()
	s.ProgRunnerCoreUsage = r.cores.Latest()
	return s
}

// BeginTask records the task identity and start time.
func (r *Reporter) BeginTask(tool string, job, step int, dataset string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Tool = tool
	r.snap.Job = job
	r.snap.Step = step
	r.snap.Dataset = dataset
	r.snap.TaskStartTime = r.now()
	r.snap.Progress = 0
}

// SetCurrentOperation sets the free-text operation shown with the task.
func (r *Reporter) SetCurrentOperation(op string) {
	r.mu.Lock()
	r.snap.CurrentOperation = op
	r.mu.Unlock()
}

// SetProgRunner records the process ID of the running analysis tool.
func (r *Reporter) SetProgRunner(pid int) {
	r.mu.Lock()
	r.snap.ProgRunnerProcessID = pid
	r.mu.Unlock()
}

// SetHostUsage records host CPU utilization (percent) and free memory.
func (r *Reporter) SetHostUsage(cpuPercent, freeMemoryMB float64) {
	r.mu.Lock()
	r.snap.CPUUtilization = cpuPercent
	r.snap.FreeMemoryMB = freeMemoryMB
	r.mu.Unlock()
}

// AddCoreUsageSample records how many cores the tool process is using.
// It is safe to call from a monitor goroutine.
func (r *Reporter) AddCoreUsageSample(cores float64) {
	r.cores.Add(CoreUsageSample{Time: r.now(), Cores: cores})
}

func clampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return min(p, 100)
}

// UpdateAndWrite applies u and writes the status. Progress is clamped to
// [0,100].
func (r *Reporter) UpdateAndWrite(ctx context.Context, u TaskUpdate) error {
	r.mu.Lock()
	r.snap.MgrStatus = u.MgrStatus
	r.snap.TaskStatus = u.TaskStatus
	r.snap.TaskDetail = u.Detail
	r.snap.Progress = clampProgress(u.Progress)
	r.snap.SpectrumCount = u.SpectrumCount
	r.applyMessages(u.LogMessage, u.ErrorMessage, u.JobInfo)
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, u.ForceBroker)
}

// UpdateIdle reports a running manager with no task.
func (r *Reporter) UpdateIdle(ctx context.Context, logMessage, errorMessage, jobInfo string, forceBroker bool) error {
	r.mu.Lock()
	r.clearTask()
	r.snap.MgrStatus = MgrRunning
	r.applyMessages(logMessage, errorMessage, jobInfo)
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, forceBroker)
}

// UpdateDisabled reports a manager disabled locally or by the control
// database. Any other status is treated as MgrDisabledLocal.
func (r *Reporter) UpdateDisabled(ctx context.Context, mgr MgrStatus, message string) error {
	if mgr != MgrDisabledByControlDB {
		mgr = MgrDisabledLocal
	}
	r.mu.Lock()
	r.clearTask()
	r.snap.MgrStatus = mgr
	r.applyMessages(message, "", "")
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, true)
}

// UpdateFlagFileExists reports a manager halted by a leftover flag file
// from a previous failed job.
func (r *Reporter) UpdateFlagFileExists(ctx context.Context) error {
	r.mu.Lock()
	r.clearTask()
	r.snap.MgrStatus = MgrStoppedOnError
	r.applyMessages("Flag file exists in the manager directory", "Flag file exists", "")
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, true)
}

// UpdateStopped reports a stopped manager, flagged as an error stop when
// mgrError is set.
func (r *Reporter) UpdateStopped(ctx context.Context, mgrError bool) error {
	r.mu.Lock()
	r.clearTask()
	r.snap.MgrStatus = MgrStopped
	if mgrError {
		r.snap.MgrStatus = MgrStoppedOnError
	}
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, true)
}

// UpdateClose reports the manager shutting down.
func (r *Reporter) UpdateClose(ctx context.Context, logMessage, errorMessage, jobInfo string, forceBroker bool) error {
	r.mu.Lock()
	r.clearTask()
	r.snap.MgrStatus = MgrStopped
	r.applyMessages(logMessage, errorMessage, jobInfo)
	r.mu.Unlock()
	return r.WriteStatusFile(ctx, forceBroker)
}

// clearTask resets task state. Caller holds r.mu.
func (r *Reporter) clearTask() {
	r.snap.TaskStatus = TaskNoTask
	r.snap.TaskDetail = DetailNoTask
	r.snap.Tool = ""
	r.snap.Job = 0
	r.snap.Step = 0
	r.snap.Dataset = ""
	r.snap.Progress = 0
	r.snap.SpectrumCount = 0
	r.snap.CurrentOperation = ""
	r.snap.TaskStartTime = time.Time{}
	r.snap.ProgRunnerProcessID = 0
	r.cores.Clear()
}

// applyMessages records non-empty messages. Caller holds r.mu.
func (r *Reporter) applyMessages(logMessage, errorMessage, jobInfo string) {
	if logMessage != "" {
		r.snap.MostRecentLogMessage = logMessage
	}
	if jobInfo != "" {
		r.snap.MostRecentJobInfo = jobInfo
	}
	r.errs.Add(errorMessage)
}

// WriteStatusFile renders the current snapshot and delivers it. The queue
// receives every call; the disk copy is skipped if the previous one was
// written less than MinWriteInterval ago.
func (r *Reporter) WriteStatusFile(ctx context.Context, forceBroker bool) error {
	r.checkAbortFile()

	now := r.now()
	doc, err := BuildDocument(r.Snapshot(), now).Marshal()
	if err != nil {
		return err
	}

	var errs []error
	if r.cfg.Queue != nil {
		r.cfg.Queue.Publish(events.Message{Topic: r.cfg.Topic, Type: events.TypeStatus, Body: string(doc), Timestamp: now.Unix()})
		metrics.RecordStatusWrite("queue", true)
	}
	if r.cfg.Broker != nil {
		if err := r.cfg.Broker.Send(ctx, doc, forceBroker); err != nil {
			errs = append(errs, err)
		}
	}

	if r.cfg.Path != "" {
		r.mu.Lock()
		due := r.lastWrite.IsZero() || now.Sub(r.lastWrite) >= r.cfg.MinWriteInterval
		if due {
			r.lastWrite = now
		}
		r.mu.Unlock()

		if !due {
			metrics.RecordStatusThrottled("disk")
		} else if err := writeViaTemp(ctx, r.cfg.Path, doc); err != nil {
			metrics.RecordStatusWrite("disk", false)
			logging.Warn("could not write status file", zap.String("path", r.cfg.Path), zap.Error(err))
			errs = append(errs, err)
		} else {
			metrics.RecordStatusWrite("disk", true)
		}
	}
	return errors.Join(errs...)
}

// writeViaTemp writes data to a uniquely named temp file beside path, then
// copies it over path so readers never see a partial document.
func writeViaTemp(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, StatusFileMode); err != nil {
		return fmt.Errorf("write temp status file: %w", err)
	}
	defer os.Remove(tmp)
	if err := os.Chmod(tmp, StatusFileMode); err != nil {
		return fmt.Errorf("set mode on temp status file: %w", err)
	}
	if _, err := local.CopyFile(ctx, tmp, path, true); err != nil {
		return fmt.Errorf("replace status file %s: %w", path, err)
	}
	return nil
}

// checkAbortFile consumes the abort flag file if present by renaming it to
// <name>.done.
func (r *Reporter) checkAbortFile() {
	path := r.cfg.AbortFilePath
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	done := path + AbortDoneSuffix
	os.Remove(done)
	if err := os.Rename(path, done); err != nil {
		logging.Warn("could not rename abort flag file", zap.String("path", path), zap.Error(err))
	}

	if r.abort.CompareAndSwap(false, true) {
		metrics.RecordAbortSignal()
		logging.Warn("abort requested via flag file", zap.String("path", path))
		if r.cfg.OnAbort != nil {
			r.cfg.OnAbort()
		}
	}
}
