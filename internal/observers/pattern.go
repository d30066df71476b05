package observers

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Pattern waits for the first line matching a regular expression, such as a
// server's "ready" banner.
type Pattern struct {
	re      *regexp.Regexp
	onMatch func(line string)

	once    sync.Once
	matched chan struct{}
	line    string
}

// NewPattern compiles expr into a Pattern. onMatch, when non-nil, runs once on
// the dispatching goroutine for the first matching line, before Matched is
// closed.
func NewPattern(expr string, onMatch func(line string)) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return &Pattern{re: re, onMatch: onMatch, matched: make(chan struct{})}, nil
}

func (p *Pattern) HandleLine(line string) {
	select {
	case <-p.matched:
		return
	default:
	}
	if !p.re.MatchString(line) {
		return
	}
	p.once.Do(func() {
		p.line = line
		if p.onMatch != nil {
			p.onMatch(line)
		}
		close(p.matched)
	})
}

// Matched is closed when the first match is seen.
func (p *Pattern) Matched() <-chan struct{} { return p.matched }

// Line returns the first matching line, or "" before a match.
func (p *Pattern) Line() string {
	select {
	case <-p.matched:
		return p.line
	default:
		return ""
	}
}

// Wait blocks until a line matches or ctx is done.
func (p *Pattern) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.matched:
		return p.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Expr returns the source regular expression.
func (p *Pattern) Expr() string { return p.re.String() }
