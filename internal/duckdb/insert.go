package duckdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/logparse"
)

const (
	// DefaultBatchSize is the number of records that triggers an immediate flush.
	DefaultBatchSize = 2000
	// DefaultFlushInterval is how often pending records are flushed.
	DefaultFlushInterval = 100 * time.Millisecond
	// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
	DefaultFlushQueueSize = 64
)

// LineWriter is the write side of a Store.
type LineWriter interface {
	InsertLines(records []LineRecord) error
}

// InsertBuffer batches captured lines and flushes them to DuckDB asynchronously.
// Add never blocks on DuckDB writes unless the flush queue is full.
type InsertBuffer struct {
	writer        LineWriter
	mu            sync.Mutex
	pending       []LineRecord
	stopped       bool
	flushChan     chan []LineRecord
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
}

// NewInsertBuffer creates an insert buffer that flushes to writer.
func NewInsertBuffer(writer LineWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := DefaultBatchSize
	flushInterval := DefaultFlushInterval
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		pending:       make([]LineRecord, 0, batchSize),
		flushChan:     make(chan []LineRecord, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds) when
// the flush channel is full and an inline flush is triggered.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: backpressure, %d inline flushes (flush queue full)", count)
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = make([]LineRecord, 0, b.maxBatch)
	b.enqueue(batch)
}

// enqueue hands batch to the flush worker, flushing inline when the queue is
// full. Callers hold b.mu so nothing is sent after Stop closes flushChan.
func (b *InsertBuffer) enqueue(batch []LineRecord) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		if err := b.writer.InsertLines(batch); err != nil {
			log.Printf("duckdb: flush error (inline): %v", err)
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		if err := b.writer.InsertLines(batch); err != nil {
			log.Printf("duckdb: flush error: %v", err)
		}
	}
}

// Add queues a record for batch insertion. Records added after Stop are dropped.
func (b *InsertBuffer) Add(record LineRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = append(b.pending, record)
	if len(b.pending) >= b.maxBatch {
		batch := b.pending
		b.pending = make([]LineRecord, 0, b.maxBatch)
		b.enqueue(batch)
	}
}

// Stop flushes remaining records and waits for all writes to complete.
// It is safe to call more than once.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.tickWg.Wait()

		b.mu.Lock()
		b.stopped = true
		if len(b.pending) > 0 {
			b.flushChan <- b.pending
			b.pending = nil
		}
		close(b.flushChan)
		b.mu.Unlock()

		b.wg.Wait()
	})
}

// Observer returns an observer that captures lines of one stream into the
// buffer. Lines that name no severity are recorded as fallback.
func (b *InsertBuffer) Observer(stream, fallback string) linedispatch.Observer {
	if fallback == "" {
		fallback = logparse.Info
	}
	return &captureObserver{buf: b, stream: stream, fallback: fallback}
}

type captureObserver struct {
	buf      *InsertBuffer
	stream   string
	fallback string
	seq      atomic.Uint64
}

func (o *captureObserver) HandleLine(line string) {
	o.buf.Add(LineRecord{
		Seq:        o.seq.Add(1),
		CapturedAt: time.Now().UTC(),
		Stream:     o.stream,
		Severity:   logparse.Detect(line, o.fallback),
		Line:       line,
	})
}

// InsertLines appends a batch of records in a single transaction. If the
// batch fails, it is retried record by record to salvage what it can.
func (s *Store) InsertLines(records []LineRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchTx(ctx, records)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if rerr := s.insertBatchTx(ctx, []LineRecord{r}); rerr != nil {
			failed++
			log.Printf("duckdb: dropping line (stream=%s seq=%d): %v", r.Stream, r.Seq, rerr)
		}
	}
	if failed == len(records) {
		return fmt.Errorf("insert %d lines: %w", len(records), err)
	}
	if failed > 0 {
		log.Printf("duckdb: batch partially failed, %d/%d lines dropped", failed, len(records))
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, records []LineRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO lines (seq, captured_at, stream, severity, line) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		capturedAt := r.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now().UTC()
		}
		severity := r.Severity
		if severity == "" {
			severity = logparse.Info
		}
		if _, err := stmt.ExecContext(ctx, int64(r.Seq), capturedAt, r.Stream, severity, r.Line); err != nil {
			return fmt.Errorf("line insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
