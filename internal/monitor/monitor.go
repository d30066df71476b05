// Package monitor aggregates per-stream diagnostics (recent lines, severity
// counts and dispatcher state) for the status API.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/observers"
)

// StreamStatus is a point-in-time view of one stream.
type StreamStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Outcome string `json:"outcome"`
	Lines   uint64 `json:"lines"`
	Error   string `json:"error,omitempty"`
}

type stream struct {
	tail     *observers.Tail
	severity *observers.Severity
	d        *linedispatch.Dispatcher
}

// Monitor tracks streams by name. Its methods are safe for concurrent use.
type Monitor struct {
	tailSize int
	ready    atomic.Bool

	mu      sync.RWMutex
	streams map[string]*stream
	// Counts of forgotten streams, kept so totals stay monotonic.
	retired      map[string]int64
	retiredLines int64
}

// New creates a Monitor whose tails keep tailSize lines per stream.
func New(tailSize int) *Monitor {
	return &Monitor{
		tailSize: tailSize,
		streams:  make(map[string]*stream),
		retired:  make(map[string]int64),
	}
}

// get returns the stream named name, creating it with the given severity
// fallback when it does not exist yet.
func (m *Monitor) get(name, fallback string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[name]
	if !ok {
		s = &stream{tail: observers.NewTail(m.tailSize), severity: observers.NewSeverity(fallback)}
		m.streams[name] = s
	}
	return s
}

// Observers returns the tail and severity observers for a stream, creating
// them on first use. Lines naming no severity count as fallback (INFO when
// empty); the fallback of an existing stream is kept.
func (m *Monitor) Observers(name, fallback string) []linedispatch.Observer {
	s := m.get(name, fallback)
	return []linedispatch.Observer{s.tail, s.severity}
}

// Attach records d so its state is reported under d.Name().
func (m *Monitor) Attach(d *linedispatch.Dispatcher) {
	s := m.get(d.Name(), "")
	m.mu.Lock()
	s.d = d
	m.mu.Unlock()
}

// Forget drops the stream named name. Its severity counts and line total
// remain part of SeverityCounts and TotalLines.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[name]
	if !ok {
		return
	}
	delete(m.streams, name)
	for sev, n := range s.severity.Counts() {
		m.retired[sev] += n
	}
	m.retiredLines += s.severity.Total()
}

// SetReady marks the supervised process as ready.
func (m *Monitor) SetReady(ready bool) { m.ready.Store(ready) }

// Ready reports whether the supervised process is ready.
func (m *Monitor) Ready() bool { return m.ready.Load() }

// Streams returns the status of every known stream, sorted by name.
func (m *Monitor) Streams() []StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StreamStatus, 0, len(m.streams))
	for name, s := range m.streams {
		st := StreamStatus{Name: name, Lines: uint64(s.severity.Total())}
		if s.d != nil {
			res := s.d.Result()
			st.State = s.d.State().String()
			st.Outcome = res.Outcome.String()
			st.Lines = res.Lines
			if res.Err != nil {
				st.Error = res.Err.Error()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecentLines returns up to limit recent lines of a stream. ok is false for
// an unknown stream.
func (m *Monitor) RecentLines(name string, limit int) (lines []string, ok bool) {
	m.mu.RLock()
	s, ok := m.streams[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.tail.Last(limit), true
}

// SeverityCounts sums severity counts across all streams.
func (m *Monitor) SeverityCounts() map[string]int64 {
	m.mu.RLock()
	counters := make([]*observers.Severity, 0, len(m.streams))
	for _, s := range m.streams {
		counters = append(counters, s.severity)
	}
	counts := observers.Merge(counters...)
	for sev, n := range m.retired {
		counts[sev] += n
	}
	m.mu.RUnlock()
	return counts
}

// TotalLines returns the number of lines seen across all streams.
func (m *Monitor) TotalLines() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.retiredLines
	for _, s := range m.streams {
		total += s.severity.Total()
	}
	return total
}
