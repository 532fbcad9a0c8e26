package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, q.Len())
}

func TestQueuePushBoundedEvictsOldest(t *testing.T) {
	q := New[int]()
	for i := 0; i < 256; i++ {
		_, evicted := q.PushBounded(i, 256)
		assert.False(t, evicted)
	}
	assert.Equal(t, 256, q.Len())

	evictedVal, evicted := q.PushBounded(256, 256)
	require.True(t, evicted)
	assert.Equal(t, 0, evictedVal)
	assert.Equal(t, 256, q.Len())

	front, _ := q.Peek()
	assert.Equal(t, 1, front)
}

func TestQueueRemoveFunc(t *testing.T) {
	q := New[int]()
	q.Push(10)
	q.Push(20)
	q.Push(30)

	v, ok := q.RemoveFunc(func(x int) bool { return x == 20 })
	require.True(t, ok)
	assert.Equal(t, 20, v)
	assert.Equal(t, []int{10, 30}, q.Snapshot())
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 6; i++ {
		require.NoError(t, r.Add(byte(i)))
	}
	r.Remove(4)
	require.NoError(t, r.Add(6))
	require.NoError(t, r.Add(7))
	require.NoError(t, r.Add(8))

	assert.Equal(t, 5, r.Used())
	b, ok := r.Get()
	require.True(t, ok)
	assert.Equal(t, byte(4), b)
}

func TestRingFullReturnsError(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Add(byte(i)))
	}
	assert.Error(t, r.Add(99))
}

func TestRingDrain(t *testing.T) {
	r := NewRing(4)
	r.Add(1)
	r.Add(2)
	r.Drain()
	assert.Equal(t, 0, r.Used())
	_, ok := r.Get()
	assert.False(t, ok)
}
