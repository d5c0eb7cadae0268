package status

import (
	"sync"
	"time"
)

// MaxErrorMessages is the number of recent error messages retained.
const MaxErrorMessages = 10

// CoreUsageWindow is how much core-usage history is retained.
const CoreUsageWindow = 5 * time.Minute

// ErrorRing keeps the most recent error messages.
type ErrorRing struct {
	msgs []string // oldest first
}

// Add appends msg, discarding the oldest entry once full. Blank messages are ignored.
func (r *ErrorRing) Add(msg string) {
	if msg == "" {
		return
	}
	r.msgs = append(r.msgs, msg)
	if len(r.msgs) > MaxErrorMessages {
		r.msgs = r.msgs[len(r.msgs)-MaxErrorMessages:]
	}
}

// Messages returns the retained messages, most recent first.
func (r *ErrorRing) Messages() []string {
	out := make([]string, 0, len(r.msgs))
	for i := len(r.msgs) - 1; i >= 0; i-- {
		out = append(out, r.msgs[i])
	}
	return out
}

// Clear drops every retained message.
func (r *ErrorRing) Clear() { r.msgs = nil }

// CoreUsageSample is the number of cores a tool process was using at a point in time.
type CoreUsageSample struct {
	Time  time.Time
	Cores float64
}

// CoreUsageHistory is a bounded, concurrency-safe queue of samples. It is fed
// from the process-monitor goroutine while the job goroutine reads it.
type CoreUsageHistory struct {
	mu      sync.Mutex
	samples []CoreUsageSample
	max     int
}

// NewCoreUsageHistory sizes the queue to hold window worth of samples taken
// every interval.
func NewCoreUsageHistory(window, interval time.Duration) *CoreUsageHistory {
	n := 1
	if interval > 0 {
		n = int((window + interval - 1) / interval)
	}
	if n < 1 {
		n = 1
	}
	return &CoreUsageHistory{max: n}
}

// Capacity returns the maximum number of retained samples.
func (h *CoreUsageHistory) Capacity() int { return h.max }

// Add records a sample, dropping the oldest if the queue is full.
func (h *CoreUsageHistory) Add(s CoreUsageSample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, s)
	if len(h.samples) > h.max {
		h.samples = h.samples[len(h.samples)-h.max:]
	}
}

// Samples returns a copy of the retained samples, oldest first.
func (h *CoreUsageHistory) Samples() []CoreUsageSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CoreUsageSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Latest returns the newest sample's core count, or 0.
func (h *CoreUsageHistory) Latest() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0
	}
	return h.samples[len(h.samples)-1].Cores
}

// Clear drops every sample.
func (h *CoreUsageHistory) Clear() {
	h.mu.Lock()
	h.samples = nil
	h.mu.Unlock()
}
