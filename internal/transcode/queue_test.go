package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(3)

	a := &Job{ID: NewJobID()}
	b := &Job{ID: NewJobID()}
	require.NoError(t, q.Push(a))
	require.NoError(t, q.Push(b))
	assert.Equal(t, 2, q.Len())

	assert.Same(t, a, q.Pop())
	assert.Same(t, b, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Push(&Job{}))
	require.NoError(t, q.Push(&Job{}))
	assert.ErrorIs(t, q.Push(&Job{}), ErrQueueFull)

	q.Pop()
	assert.NoError(t, q.Push(&Job{}))
}

func TestQueueWaitingIsSnapshot(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.Push(&Job{ID: "x"}))

	snap := q.Waiting()
	require.Len(t, snap, 1)

	q.Pop()
	assert.Len(t, snap, 1, "snapshot unaffected by later mutations")
	assert.Equal(t, 0, q.Len())
}
