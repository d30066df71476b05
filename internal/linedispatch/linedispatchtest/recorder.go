// Package linedispatchtest provides observers for tests.
package linedispatchtest

import (
	"sync"
	"time"
)

// Recorder records every line it receives.
//
// Recorder is safe for concurrent use: lines arrive on the dispatcher's run
// goroutine while tests read them from their own.
type Recorder struct {
	mu      sync.Mutex
	lines   []string
	changed chan struct{}
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// HandleLine appends line to the recording.
func (r *Recorder) HandleLine(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Lines returns a snapshot copy of recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.lines))
	copy(cp, r.lines)
	return cp
}

// Len returns the number of recorded lines.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// WaitFor blocks until at least n lines are recorded or timeout elapses. It
// reports whether n lines arrived.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.lines) >= n {
			r.mu.Unlock()
			return true
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.lines = nil
	r.mu.Unlock()
}
