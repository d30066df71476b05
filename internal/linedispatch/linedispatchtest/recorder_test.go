package linedispatchtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	go func() {
		rec.HandleLine("one")
		rec.HandleLine("two")
	}()

	assert.True(t, rec.WaitFor(2, 2*time.Second))
	assert.Equal(t, []string{"one", "two"}, rec.Lines())
	assert.False(t, rec.WaitFor(3, 10*time.Millisecond))

	rec.Reset()
	assert.Equal(t, 0, rec.Len())
	assert.Empty(t, rec.Lines())

	rec.HandleLine("three")
	assert.Equal(t, []string{"three"}, rec.Lines())
}
