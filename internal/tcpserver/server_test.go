package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/linedispatch/linedispatchtest"
)

var quietLogger = log.New(io.Discard, "", 0)

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("", nil)
	if got := s.Addr(); got != "127.0.0.1:4000" {
		t.Fatalf("Addr() = %q, want %q", got, "127.0.0.1:4000")
	}
	if got := s.maxLineSize; got != linedispatch.DefaultMaxLineSize {
		t.Fatalf("max line size = %d, want %d", got, linedispatch.DefaultMaxLineSize)
	}
}

func TestNewServer_UsesConfiguredAddressAndLineSize(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", nil, ServerConfig{MaxLineSize: 2048})
	if got := s.Addr(); got != "0.0.0.0:5000" {
		t.Fatalf("Addr() = %q, want %q", got, "0.0.0.0:5000")
	}
	if got := s.maxLineSize; got != 2048 {
		t.Fatalf("max line size = %d, want %d", got, 2048)
	}
}

func TestServer_DispatchesEachConnection(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	recs := map[string]*linedispatchtest.Recorder{}
	s := NewServer("127.0.0.1:0", func(name string) []linedispatch.Observer {
		rec := linedispatchtest.NewRecorder()
		mu.Lock()
		recs[name] = rec
		mu.Unlock()
		return []linedispatch.Observer{rec}
	}, ServerConfig{Logger: quietLogger})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", s.Addr())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		fmt.Fprintf(conn, "hello %d\r\nworld %d\n", i, i)
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, rec := range recs {
			total += rec.Len()
		}
		n := len(recs)
		mu.Unlock()
		if n == 2 && total == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %d connections, %d lines", n, total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for name, rec := range recs {
		if !strings.HasPrefix(name, "tcp:127.0.0.1:") {
			t.Errorf("stream name = %q, want tcp:<addr>", name)
		}
		lines := rec.Lines()
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "hello ") || !strings.HasPrefix(lines[1], "world ") {
			t.Errorf("lines for %s = %q", name, lines)
		}
	}
}

func TestServer_StopClosesLiveConnections(t *testing.T) {
	t.Parallel()

	rec := linedispatchtest.NewRecorder()
	s := NewServer("127.0.0.1:0", func(string) []linedispatch.Observer {
		return []linedispatch.Observer{rec}
	}, ServerConfig{Logger: quietLogger})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintln(conn, "still open")
	if !rec.WaitFor(1, 2*time.Second) {
		t.Fatal("timed out waiting for first line")
	}
	if got := s.ActiveConnections(); got != 1 {
		t.Fatalf("ActiveConnections() = %d, want 1", got)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with a live connection")
	}
	if got := s.ActiveConnections(); got != 0 {
		t.Fatalf("ActiveConnections() after Stop = %d, want 0", got)
	}
	s.Stop()
}

func TestServer_HooksSeeConnectionLifecycle(t *testing.T) {
	t.Parallel()

	rec := linedispatchtest.NewRecorder()
	connected := make(chan *linedispatch.Dispatcher, 1)
	closed := make(chan *linedispatch.Dispatcher, 1)
	s := NewServer("127.0.0.1:0", func(string) []linedispatch.Observer {
		return []linedispatch.Observer{rec}
	}, ServerConfig{
		Logger:    quietLogger,
		OnConnect: func(d *linedispatch.Dispatcher) { connected <- d },
		OnClose:   func(d *linedispatch.Dispatcher) { closed <- d },
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var d *linedispatch.Dispatcher
	select {
	case d = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
	if want := "tcp:" + conn.LocalAddr().String(); d.Name() != want {
		t.Fatalf("Name() = %q, want %q", d.Name(), want)
	}
	select {
	case <-closed:
		t.Fatal("OnClose called while connection is open")
	default:
	}

	fmt.Fprintln(conn, "bye")
	conn.Close()
	select {
	case got := <-closed:
		if got != d {
			t.Fatal("OnClose got a different dispatcher")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	if res := d.Result(); res.Outcome != linedispatch.OutcomeEOF {
		t.Fatalf("Outcome = %v, want EOF", res.Outcome)
	}
	if got := rec.Lines(); len(got) != 1 || got[0] != "bye" {
		t.Fatalf("lines = %q, want [bye]", got)
	}
}

// flakyListener fails Accept a fixed number of times, then blocks until
// closed.
type flakyListener struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
	done     chan struct{}
	once     sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls = append(l.calls, time.Now())
	fail := len(l.calls) <= l.failures
	l.mu.Unlock()
	if fail {
		return nil, errors.New("too many open files")
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	t.Parallel()

	l := &flakyListener{failures: 3, done: make(chan struct{})}
	s := NewServer("127.0.0.1:0", nil, ServerConfig{Logger: quietLogger})
	s.listener = l
	s.wg.Add(1)
	go s.serve(l)

	deadline := time.Now().Add(2 * time.Second)
	for {
		l.mu.Lock()
		n := len(l.calls)
		l.mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %d accept calls", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.mu.Lock()
	calls := append([]time.Time(nil), l.calls...)
	l.mu.Unlock()
	want := minAcceptDelay
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < want {
			t.Errorf("gap before accept %d = %v, want >= %v", i+1, gap, want)
		}
		want *= 2
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not end the accept loop")
	}
}
