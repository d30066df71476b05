// Package observers provides line observers for supervised process output.
package observers

import (
	"io"
	"log"
	"sync"

	"github.com/tinytelemetry/linewatch/internal/logparse"
)

// Logger writes each line to a *log.Logger as "[name] line".
type Logger struct {
	name     string
	logger   *log.Logger
	minLevel string
	fallback string
}

// LoggerConfig holds optional parameters for a Logger.
type LoggerConfig struct {
	// MinLevel drops lines whose detected severity is below it. Empty logs everything.
	MinLevel string
	// Fallback is the severity assumed for lines that name none.
	Fallback string
}

// NewLogger creates a Logger. A nil logger writes to the standard logger.
func NewLogger(name string, logger *log.Logger, conf ...LoggerConfig) *Logger {
	if logger == nil {
		logger = log.Default()
	}
	l := &Logger{name: name, logger: logger, fallback: logparse.Info}
	if len(conf) > 0 {
		l.minLevel = conf[0].MinLevel
		if conf[0].Fallback != "" {
			l.fallback = conf[0].Fallback
		}
	}
	return l
}

func (l *Logger) HandleLine(line string) {
	if l.minLevel != "" && !logparse.AtLeast(logparse.Detect(line, l.fallback), l.minLevel) {
		return
	}
	l.logger.Printf("[%s] %s", l.name, line)
}

// Writer echoes lines to an io.Writer, each followed by a newline. Writers
// shared across dispatchers are serialised so lines never interleave.
type Writer struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriter creates a Writer with its own lock.
func NewWriter(w io.Writer, prefix string) *Writer {
	return &Writer{mu: &sync.Mutex{}, w: w, prefix: prefix}
}

// WithPrefix returns a Writer sharing w's destination and lock.
func (w *Writer) WithPrefix(prefix string) *Writer {
	return &Writer{mu: w.mu, w: w.w, prefix: prefix}
}

func (w *Writer) HandleLine(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.w, w.prefix+line+"\n")
}
