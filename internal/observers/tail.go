package observers

import "sync"

// DefaultTailSize is the number of lines a Tail keeps when no size is given.
const DefaultTailSize = 200

// Tail keeps the most recent lines in a ring buffer for diagnostics, e.g. to
// report why a child process exited.
type Tail struct {
	mu     sync.Mutex
	size   int
	lines  []string
	offset int
}

// NewTail creates a Tail holding up to size lines.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &Tail{size: size, lines: make([]string, 0, min(size, 64))}
}

func (t *Tail) HandleLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) < t.size {
		t.lines = append(t.lines, line)
		return
	}
	t.lines[t.offset] = line
	t.offset++
	if t.offset == t.size {
		t.offset = 0
	}
}

// Lines returns the buffered lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.offset:]...)
	out = append(out, t.lines[:t.offset]...)
	return out
}

// Last returns up to n of the most recent lines, oldest first.
func (t *Tail) Last(n int) []string {
	lines := t.Lines()
	if n <= 0 || n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

// Len returns the number of buffered lines.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}
