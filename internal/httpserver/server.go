package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/linewatch/internal/monitor"
)

const (
	defaultLinesLimit = 100
	maxLinesLimit     = 10000
)

// ErrCaptureDisabled is reported by /api/query when no capture store is configured.
var ErrCaptureDisabled = errors.New("line capture is disabled")

// Monitor is the live view of dispatched streams served by the API.
type Monitor interface {
	Ready() bool
	Streams() []monitor.StreamStatus
	RecentLines(stream string, limit int) ([]string, bool)
	SeverityCounts() map[string]int64
	TotalLines() int64
}

// QueryStore is the narrow store contract required by /api/query.
type QueryStore interface {
	ExecuteQuery(query string) ([]map[string]any, error)
	SchemaDescription() string
	LineCount(stream string) (int64, error)
}

// Server provides an HTTP status API for linewatch.
type Server struct {
	addr      string
	mon       Monitor
	store     QueryStore
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. store may be nil when capture is
// disabled.
func NewServer(addr string, mon Monitor, store QueryStore) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		mon:    mon,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/streams", s.handleStreams)
	r.GET("/api/lines", s.handleLines)
	r.GET("/api/severity", s.handleSeverity)
	r.POST("/api/query", s.handleQuery)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"ready":  s.mon.Ready(),
		"lines":  s.mon.TotalLines(),
	}
	if s.store != nil {
		captured, err := s.store.LineCount("")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["captured"] = captured
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.mon.Streams()})
}

func (s *Server) handleLines(c *gin.Context) {
	stream := c.Query("stream")
	if stream == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing stream parameter"})
		return
	}
	limit := defaultLinesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLinesLimit)
	}

	lines, ok := s.mon.RecentLines(stream, limit)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown stream " + strconv.Quote(stream)})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"stream": stream,
		"lines":  lines,
		"count":  len(lines),
	})
}

func (s *Server) handleSeverity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"counts": s.mon.SeverityCounts()})
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrCaptureDisabled.Error()})
		return
	}

	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "schema": s.store.SchemaDescription()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
