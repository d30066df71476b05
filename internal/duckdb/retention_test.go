package duckdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAged(t *testing.T, store *Store) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.InsertLines([]LineRecord{
		{Seq: 1, CapturedAt: now.Add(-3 * time.Hour), Stream: "stdout", Severity: "INFO", Line: "old"},
		{Seq: 2, CapturedAt: now, Stream: "stdout", Severity: "INFO", Line: "fresh"},
	}))
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	insertAged(t, store)

	n, err := store.DeleteBefore(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := store.RecentLines("", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Line)
}

func TestRetentionCleaner_Disabled(t *testing.T) {
	assert.Nil(t, NewRetentionCleaner(newTestStore(t), RetentionConfig{}))
}

func TestRetentionCleaner_CleansOnStartup(t *testing.T) {
	store := newTestStore(t)
	insertAged(t, store)

	cleaner := NewRetentionCleaner(store, RetentionConfig{MaxAge: time.Hour})
	require.NotNil(t, cleaner)
	defer cleaner.Stop()

	count, err := store.LineCount("")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRetentionCleaner_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cleaner := NewRetentionCleaner(store, RetentionConfig{MaxAge: 24 * time.Hour})
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}

	cleaner.Stop()
	cleaner.Stop()
}
