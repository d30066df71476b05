// Package supervisor launches a child process and dispatches its standard
// output and standard error, line by line, to observers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/observers"
	"golang.org/x/sync/errgroup"
)

// Stream names used for the child's output dispatchers.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var (
	// ErrNoCommand is returned by Start when Config.Command is empty.
	ErrNoCommand = errors.New("supervisor: no command given")
	// ErrExited is returned when the process exits before an awaited event.
	ErrExited = errors.New("supervisor: process exited")
)

// ObserverFactory returns the observers to register on a stream before its
// dispatcher starts reading.
type ObserverFactory func(stream string) []linedispatch.Observer

// Config describes the process to supervise.
type Config struct {
	Command []string
	Dir     string
	// Env entries are appended to the supervisor's own environment.
	Env []string
	// ReadyPattern is a regular expression matched against both streams; the
	// first matching line marks the process ready. Empty means ready at start.
	ReadyPattern string
	MaxLineSize  int
	Observers    ObserverFactory
	Logger       *log.Logger
}

// ExitStatus describes how the process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
	// SignalNumber is set when Signaled.
	SignalNumber int
}

// ShellCode returns the status the way a shell reports it: the exit code, or
// 128 plus the signal number for a signaled process.
func (s ExitStatus) ShellCode() int {
	if s.Signaled {
		return 128 + s.SignalNumber
	}
	return s.Code
}

// Process is a running child process with one dispatcher per output stream.
type Process struct {
	cmd         *exec.Cmd
	logger      *log.Logger
	dispatchers map[string]*linedispatch.Dispatcher
	streams     []string
	ready       *observers.Pattern
	group       errgroup.Group

	exited  chan struct{}
	status  ExitStatus
	waitErr error

	stopOnce sync.Once
}

// Start launches the process and begins dispatching its output. The context
// only bounds startup; use Stop to end the process.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &Process{
		cmd:         cmd,
		logger:      logger,
		dispatchers: make(map[string]*linedispatch.Dispatcher, 2),
		streams:     []string{StreamStdout, StreamStderr},
		exited:      make(chan struct{}),
	}

	if cfg.ReadyPattern != "" {
		ready, err := observers.NewPattern(cfg.ReadyPattern, p.onReady)
		if err != nil {
			return nil, fmt.Errorf("ready pattern: %w", err)
		}
		p.ready = ready
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	sources := map[string]io.ReadCloser{StreamStdout: stdout, StreamStderr: stderr}
	for _, stream := range p.streams {
		d, err := linedispatch.New(sources[stream], linedispatch.Config{
			Name:        stream,
			MaxLineSize: cfg.MaxLineSize,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Observers != nil {
			for _, o := range cfg.Observers(stream) {
				d.AddObserver(o)
			}
		}
		if p.ready != nil {
			d.AddObserver(p.ready)
		}
		p.dispatchers[stream] = d
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}
	logger.Printf("supervisor: started %s (pid %d)", cfg.Command[0], cmd.Process.Pid)

	for _, stream := range p.streams {
		d := p.dispatchers[stream]
		p.group.Go(func() error {
			d.Run(context.Background())
			if res := d.Result(); res.Outcome == linedispatch.OutcomeReadError {
				return fmt.Errorf("%s: %w", d.Name(), res.Err)
			}
			return nil
		})
	}
	go p.reap()

	return p, nil
}

// reap waits for both streams to drain before waiting on the process, since
// Wait closes the pipes.
func (p *Process) reap() {
	defer close(p.exited)

	if err := p.group.Wait(); err != nil {
		p.logger.Printf("supervisor: output stream ended with error: %v", err)
	}

	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		p.status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.status.Signaled = true
			p.status.Signal = ws.Signal().String()
			p.status.SignalNumber = int(ws.Signal())
		}
	default:
		p.waitErr = fmt.Errorf("wait: %w", err)
	}
	p.logger.Printf("supervisor: pid %d exited (code %d)", p.cmd.Process.Pid, p.status.Code)
}

func (p *Process) onReady(line string) {
	// Runs on a dispatcher goroutine; removal only affects later lines.
	for _, d := range p.dispatchers {
		d.RemoveObserver(p.ready)
	}
	p.logger.Printf("supervisor: ready: %s", line)
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Dispatcher returns the dispatcher for stream, or nil for an unknown stream.
func (p *Process) Dispatcher(stream string) *linedispatch.Dispatcher {
	return p.dispatchers[stream]
}

// AddObserver registers o on stream. Lines already dispatched are not replayed.
func (p *Process) AddObserver(stream string, o linedispatch.Observer) error {
	d, ok := p.dispatchers[stream]
	if !ok {
		return fmt.Errorf("supervisor: unknown stream %q", stream)
	}
	d.AddObserver(o)
	return nil
}

// RemoveObserver deregisters o from stream.
func (p *Process) RemoveObserver(stream string, o linedispatch.Observer) error {
	d, ok := p.dispatchers[stream]
	if !ok {
		return fmt.Errorf("supervisor: unknown stream %q", stream)
	}
	d.RemoveObserver(o)
	return nil
}

// Ready is closed once the ready pattern has matched. It is nil when no
// pattern was configured.
func (p *Process) Ready() <-chan struct{} {
	if p.ready == nil {
		return nil
	}
	return p.ready.Matched()
}

// WaitReady blocks until the ready pattern matches and returns the matching
// line. It returns ErrExited if the process exits first.
func (p *Process) WaitReady(ctx context.Context) (string, error) {
	if p.ready == nil {
		return "", nil
	}
	select {
	case <-p.ready.Matched():
		return p.ready.Line(), nil
	case <-p.exited:
		// The banner may be the process's last words.
		if line := p.ready.Line(); line != "" {
			return line, nil
		}
		return "", ErrExited
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Exited is closed after the process has exited and its output has drained.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Wait blocks until the process has exited and both streams have drained. A
// non-zero exit is reported through ExitStatus, not as an error.
func (p *Process) Wait() (ExitStatus, error) {
	<-p.exited
	return p.status, p.waitErr
}

// Signal forwards sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return ErrExited
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// Stop asks the process to terminate and kills it if it has not exited when
// ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			p.logger.Printf("supervisor: SIGTERM failed, killing: %v", serr)
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-ctx.Done():
			p.logger.Printf("supervisor: pid %d did not exit in time, killing", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			<-p.exited
			err = ctx.Err()
		}
	})
	return err
}

// Results returns the terminal outcome of each stream's dispatcher.
func (p *Process) Results() map[string]linedispatch.Result {
	out := make(map[string]linedispatch.Result, len(p.dispatchers))
	for stream, d := range p.dispatchers {
		out[stream] = d.Result()
	}
	return out
}
