package observers

import (
	"sync"

	"github.com/tinytelemetry/linewatch/internal/logparse"
)

// Severity counts lines per detected severity level.
type Severity struct {
	fallback string

	mu     sync.Mutex
	counts map[string]int64
	total  int64
}

// NewSeverity creates a Severity counter. Lines without a level token count
// as fallback (INFO when empty).
func NewSeverity(fallback string) *Severity {
	if fallback == "" {
		fallback = logparse.Info
	}
	return &Severity{fallback: fallback, counts: make(map[string]int64, len(logparse.Levels))}
}

func (s *Severity) HandleLine(line string) {
	level := logparse.Detect(line, s.fallback)
	s.mu.Lock()
	s.counts[level]++
	s.total++
	s.mu.Unlock()
}

// Counts returns a copy of the per-level counts.
func (s *Severity) Counts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of lines seen.
func (s *Severity) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Merge sums per-level counts across several counters.
func Merge(counters ...*Severity) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range counters {
		if c == nil {
			continue
		}
		for k, v := range c.Counts() {
			out[k] += v
		}
	}
	return out
}
