package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattkit/internal/groutine"
)

// Scheduler decides when simulated completions and events are delivered.
type Scheduler interface {
	Schedule(name string, fn func())
}

// AsyncScheduler delivers every completion on its own goroutine after an optional
// latency, so completions of concurrent operations interleave freely.
type AsyncScheduler struct {
	Latency time.Duration
	seq     atomic.Uint64
}

// NewAsyncScheduler returns a scheduler delivering after latency.
func NewAsyncScheduler(latency time.Duration) *AsyncScheduler {
	return &AsyncScheduler{Latency: latency}
}

func (s *AsyncScheduler) Schedule(name string, fn func()) {
	n := s.seq.Add(1)
	groutine.Go(context.Background(), fmt.Sprintf("sim-%s-%d", name, n), func(context.Context) {
		if s.Latency > 0 {
			time.Sleep(s.Latency)
		}
		fn()
	})
}

// ManualScheduler queues completions until the test releases them.
type ManualScheduler struct {
	mu    sync.Mutex
	queue []scheduled
}

type scheduled struct {
	name string
	fn   func()
}

// NewManualScheduler returns an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (s *ManualScheduler) Schedule(name string, fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, scheduled{name: name, fn: fn})
	s.mu.Unlock()
}

// Pending returns the names of queued completions, oldest first.
func (s *ManualScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.queue))
	for i, q := range s.queue {
		names[i] = q.name
	}
	return names
}

// Step delivers the oldest queued completion. Returns false when none is queued.
func (s *ManualScheduler) Step() bool {
	return s.StepAt(0)
}

// StepAt delivers the i-th queued completion, oldest first.
func (s *ManualScheduler) StepAt(i int) bool {
	s.mu.Lock()
	if i < 0 || i >= len(s.queue) {
		s.mu.Unlock()
		return false
	}
	q := s.queue[i]
	s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
	s.mu.Unlock()

	q.fn()
	return true
}

// StepNewest delivers the most recently queued completion.
func (s *ManualScheduler) StepNewest() bool {
	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	return s.StepAt(n - 1)
}

// Flush delivers queued completions oldest first, including ones queued while
// flushing, and returns how many ran.
func (s *ManualScheduler) Flush() int {
	n := 0
	for s.Step() {
		n++
	}
	return n
}
