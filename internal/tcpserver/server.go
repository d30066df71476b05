// Package tcpserver accepts newline-delimited text over TCP and dispatches
// each connection's lines to observers.
package tcpserver

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
)

const (
	defaultAddr    = "127.0.0.1:4000"
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ObserverFactory returns the observers for a new connection's stream. name
// has the form "tcp:<remote addr>".
type ObserverFactory func(name string) []linedispatch.Observer

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	MaxLineSize int
	Logger      *log.Logger

	// OnConnect is called with each connection's dispatcher after its
	// observers are registered and before it starts reading.
	OnConnect func(*linedispatch.Dispatcher)
	// OnClose is called once the dispatcher has terminated and the
	// connection is closed.
	OnClose func(*linedispatch.Dispatcher)
}

// Server runs one Dispatcher per accepted connection.
type Server struct {
	listener    net.Listener
	addr        string
	observers   ObserverFactory
	maxLineSize int
	logger      *log.Logger
	onConnect   func(*linedispatch.Dispatcher)
	onClose     func(*linedispatch.Dispatcher)
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once

	mu     sync.Mutex
	active map[*linedispatch.Dispatcher]struct{}
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, observers ObserverFactory, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	maxLineSize := linedispatch.DefaultMaxLineSize
	logger := log.Default()
	var onConnect, onClose func(*linedispatch.Dispatcher)
	if len(conf) > 0 {
		onConnect, onClose = conf[0].OnConnect, conf[0].OnClose
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		observers:   observers,
		maxLineSize: maxLineSize,
		logger:      logger,
		onConnect:   onConnect,
		onClose:     onClose,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[*linedispatch.Dispatcher]struct{}),
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve(listener)

	return nil
}

// serve accepts connections until the server stops or the listener is
// closed. Other accept errors are retried with a capped exponential delay.
func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()
	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = minAcceptDelay
			} else {
				tempDelay = min(tempDelay*2, maxAcceptDelay)
			}
			s.logger.Printf("tcpserver: accept error: %v; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		tempDelay = 0
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	name := "tcp:" + conn.RemoteAddr().String()
	d, err := linedispatch.New(conn, linedispatch.Config{
		Name:        name,
		MaxLineSize: s.maxLineSize,
		Logger:      s.logger,
	})
	if err != nil {
		conn.Close()
		return
	}
	if s.observers != nil {
		for _, o := range s.observers(name) {
			d.AddObserver(o)
		}
	}

	s.mu.Lock()
	s.active[d] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, d)
		s.mu.Unlock()
	}()

	if s.onConnect != nil {
		s.onConnect(d)
	}

	// The dispatcher closes conn when it terminates.
	d.Run(s.ctx)
	if res := d.Result(); res.Outcome == linedispatch.OutcomeReadError {
		s.logger.Printf("tcpserver: dropped connection %s: %v", conn.RemoteAddr(), res.Err)
	}
	if s.onClose != nil {
		s.onClose(d)
	}
}

// ActiveConnections returns the number of connections being dispatched.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop closes the listener, stops every live connection and waits for them.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.wg.Wait()
	})
	return err
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
