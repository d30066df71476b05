package duckdb

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/linewatch/internal/linedispatch"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "capture.duckdb")
	store, err := NewStore(path, time.Second)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, path, store.Path())
	assert.Equal(t, time.Second, store.QueryTimeout)
}

func TestInsertLines_CountsAndRecent(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, store.InsertLines([]LineRecord{
		{Seq: 1, CapturedAt: base, Stream: "stdout", Severity: "INFO", Line: "starting"},
		{Seq: 2, CapturedAt: base.Add(time.Millisecond), Stream: "stdout", Severity: "INFO", Line: "ready"},
		{Seq: 1, CapturedAt: base.Add(2 * time.Millisecond), Stream: "stderr", Severity: "ERROR", Line: "oops"},
	}))

	total, err := store.LineCount("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	stdout, err := store.LineCount("stdout")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stdout)

	recent, err := store.RecentLines("stdout", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "starting", recent[0].Line)
	assert.Equal(t, "ready", recent[1].Line)
	assert.Equal(t, uint64(2), recent[1].Seq)

	last, err := store.RecentLines("", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "oops", last[0].Line)

	counts, err := store.SeverityCounts("")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"INFO": 2, "ERROR": 1}, counts)
}

func TestInsertLines_Empty(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.InsertLines(nil))
}

func TestExecuteQuery(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertLines([]LineRecord{{Seq: 1, Stream: "stdout", Line: "x"}}))

	rows, err := store.ExecuteQuery("SELECT COUNT(*) AS cnt FROM lines")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["cnt"])

	rows, err = store.ExecuteQuery("WITH c AS (SELECT stream FROM lines) SELECT stream FROM c")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "stdout", rows[0]["stream"])
}

func TestExecuteQuery_Rejects(t *testing.T) {
	store := newTestStore(t)
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"semicolon", "SELECT 1; DROP TABLE lines", "semicolons"},
		{"not select", "DELETE FROM lines", "only SELECT/WITH"},
		{"hidden keyword", "SELECT * FROM lines -- note\nWHERE line IN (SELECT 1) OR INSERT", "disallowed keyword"},
		{"comment prefix", "/* SELECT */ DROP TABLE lines", "only SELECT/WITH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ExecuteQuery(tt.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStripSQLComments(t *testing.T) {
	got := stripSQLComments("SELECT 1 -- trailing\n/* block */ FROM lines")
	assert.False(t, strings.Contains(got, "trailing"))
	assert.False(t, strings.Contains(got, "block"))
	assert.Contains(t, got, "FROM lines")
}

func TestInsertBuffer_StopFlushes(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{FlushInterval: time.Hour})

	for i := 0; i < 10; i++ {
		buf.Add(LineRecord{Seq: uint64(i + 1), Stream: "stdout", Line: "line"})
	}
	buf.Stop()
	buf.Stop()

	count, err := store.LineCount("stdout")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	buf.Add(LineRecord{Stream: "stdout", Line: "late"})
	count, err = store.LineCount("stdout")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count, "records added after Stop are dropped")
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 5, FlushInterval: time.Hour})
	defer buf.Stop()

	for i := 0; i < 5; i++ {
		buf.Add(LineRecord{Seq: uint64(i + 1), Stream: "stdout", Line: "batched"})
	}

	require.Eventually(t, func() bool {
		n, err := store.LineCount("stdout")
		return err == nil && n == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInsertBuffer_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 16, FlushInterval: 5 * time.Millisecond})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Add(LineRecord{Stream: "stdout", Line: "concurrent"})
			}
		}()
	}
	wg.Wait()
	buf.Stop()

	count, err := store.LineCount("")
	require.NoError(t, err)
	assert.Equal(t, int64(400), count)
}

func TestInsertBuffer_ObserverCapturesDispatchedLines(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	d, err := linedispatch.New(strings.NewReader("INFO boot\nno level\n"), linedispatch.Config{Name: "stderr"})
	require.NoError(t, err)
	d.AddObserver(buf.Observer("stderr", "ERROR"))
	d.Run(context.Background())
	buf.Stop()

	recent, err := store.RecentLines("stderr", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, LineRecord{Seq: 1, CapturedAt: recent[0].CapturedAt, Stream: "stderr", Severity: "INFO", Line: "INFO boot"}, recent[0])
	assert.Equal(t, "ERROR", recent[1].Severity)
	assert.Equal(t, uint64(2), recent[1].Seq)
}
