// Package linedispatch splits a byte stream into text lines and delivers each
// line, in order, to a mutable set of observers.
//
// A Dispatcher owns its source for the lifetime of the run loop and closes it
// when the loop terminates. Observers may be added and removed from any
// goroutine while the loop is running; every line is delivered to the
// observers registered when that line was read, in registration order.
package linedispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

const (
	// DefaultMaxLineSize is the default maximum size (in bytes) of a delivered
	// line. Longer lines are delivered in pieces of at most this size.
	DefaultMaxLineSize = 1024 * 1024 // 1MB

	defaultName       = "stream"
	initialBufferSize = 4096
)

// ErrNilSource is returned by New when no source reader is given.
var ErrNilSource = errors.New("linedispatch: nil source")

// Config holds tunable parameters for a Dispatcher.
type Config struct {
	// Name identifies the stream in log output, e.g. "stdout".
	Name        string
	MaxLineSize int
	Logger      *log.Logger
}

// Dispatcher reads lines from a source and pushes them to observers.
type Dispatcher struct {
	name        string
	src         io.Reader
	maxLineSize int
	logger      *log.Logger

	// mu serialises registry writers. Readers load observers without locking.
	mu         sync.Mutex
	observers  atomic.Pointer[[]Observer]
	terminated bool

	state     atomic.Int32
	stopping  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	result    Result

	lines  atomic.Uint64
	panics atomic.Uint64
}

// New binds a Dispatcher to src. Reading starts only when Run is called.
func New(src io.Reader, conf ...Config) (*Dispatcher, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	name := defaultName
	maxLineSize := DefaultMaxLineSize
	logger := log.Default()
	if len(conf) > 0 {
		if conf[0].Name != "" {
			name = conf[0].Name
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	d := &Dispatcher{
		name:        name,
		src:         src,
		maxLineSize: maxLineSize,
		logger:      logger,
		done:        make(chan struct{}),
	}
	d.observers.Store(&[]Observer{})
	return d, nil
}

// Name returns the stream name given in Config.
func (d *Dispatcher) Name() string { return d.name }

// State returns the current lifecycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// AddObserver appends o to the registry. The same observer may be added more
// than once, in which case it receives every line once per registration.
// Adding after the dispatcher has terminated has no effect.
func (d *Dispatcher) AddObserver(o Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return
	}
	cur := *d.observers.Load()
	next := make([]Observer, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, o)
	d.observers.Store(&next)
}

// RemoveObserver removes every registration of o. Delivery of a line that is
// already in flight may still reach o; later lines never do.
func (d *Dispatcher) RemoveObserver(o Observer) {
	if o == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.observers.Load()
	next := make([]Observer, 0, len(cur))
	for _, existing := range cur {
		if sameObserver(existing, o) {
			continue
		}
		next = append(next, existing)
	}
	if len(next) == len(cur) {
		return
	}
	d.observers.Store(&next)
}

// ObserverCount returns the number of current registrations.
func (d *Dispatcher) ObserverCount() int {
	return len(*d.observers.Load())
}

// Run reads and dispatches lines until the source ends, fails, or the
// dispatcher is stopped. It blocks, and is meant to run on a goroutine owned by
// the caller. Termination is never reported through Run; use Done, Wait or
// Result. Only the first call does any work.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return
	}

	loopDone := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				d.Stop()
			case <-loopDone:
			}
		}()
	}

	res := d.loop()
	close(loopDone)
	d.finish(res)
}

// Stop ends the run loop. The loop checks for a stop request before every
// read, and the source is closed (when it is an io.Closer) to unblock a read
// in progress. Stopping a dispatcher that never ran terminates it directly.
func (d *Dispatcher) Stop() {
	if d.stopping.Swap(true) {
		return
	}
	if d.state.CompareAndSwap(int32(StateInitialized), int32(StateTerminated)) {
		d.finish(Result{Outcome: OutcomeStopped})
		return
	}
	d.closeSource()
}

// Done returns a channel that is closed once the dispatcher has terminated.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Result returns the terminal outcome, or a Result with OutcomePending while
// the dispatcher is still live.
func (d *Dispatcher) Result() Result {
	select {
	case <-d.done:
		return d.result
	default:
		return Result{Outcome: OutcomePending, Lines: d.lines.Load(), ObserverPanics: d.panics.Load()}
	}
}

// Wait blocks until the dispatcher terminates or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) (Result, error) {
	select {
	case <-d.done:
		return d.result, nil
	case <-ctx.Done():
		return Result{Outcome: OutcomePending}, ctx.Err()
	}
}

func (d *Dispatcher) loop() Result {
	splitter := &lineSplitter{max: d.maxLineSize}
	scanner := bufio.NewScanner(d.src)
	scanner.Buffer(make([]byte, 0, min(initialBufferSize, d.maxLineSize+1)), d.maxLineSize+1)
	scanner.Split(splitter.split)

	for {
		if d.stopping.Load() {
			return Result{Outcome: OutcomeStopped}
		}
		if !scanner.Scan() {
			break
		}
		d.dispatch(decodeLine(scanner.Bytes()))
	}

	err := scanner.Err()
	switch {
	case d.stopping.Load():
		// A read failure caused by our own close is a stop, not an error.
		return Result{Outcome: OutcomeStopped}
	case err == nil:
		return Result{Outcome: OutcomeEOF}
	}
	d.logger.Printf("linedispatch: %s: read error: %v", d.name, err)
	return Result{Outcome: OutcomeReadError, Err: err}
}

// dispatch delivers one line to a snapshot of the registry.
func (d *Dispatcher) dispatch(line string) {
	d.lines.Add(1)
	for _, o := range *d.observers.Load() {
		d.deliver(o, line)
	}
}

func (d *Dispatcher) deliver(o Observer, line string) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Printf("linedispatch: %s: observer %T panicked: %v", d.name, o, r)
		}
	}()
	o.HandleLine(line)
}

func (d *Dispatcher) finish(res Result) {
	d.closeSource()

	d.mu.Lock()
	d.terminated = true
	d.observers.Store(&[]Observer{})
	d.mu.Unlock()

	res.Lines = d.lines.Load()
	res.ObserverPanics = d.panics.Load()
	d.result = res
	d.state.Store(int32(StateTerminated))
	close(d.done)
}

func (d *Dispatcher) closeSource() {
	d.closeOnce.Do(func() {
		c, ok := d.src.(io.Closer)
		if !ok {
			return
		}
		if err := c.Close(); err != nil && !d.stopping.Load() {
			d.logger.Printf("linedispatch: %s: close source: %v", d.name, err)
		}
	})
}
