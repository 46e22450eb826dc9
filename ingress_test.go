package asyncloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFOAcrossChunks(t *testing.T) {
	q := newTaskQueue()

	var order []int
	n := chunkSize*2 + 17 // span multiple chunks
	for i := 0; i < n; i++ {
		v := i
		q.push(func() { order = append(order, v) })
	}
	assert.Equal(t, n, q.len())

	for {
		fn, ok := q.pop()
		if !ok {
			break
		}
		fn()
	}
	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.len())
}

func TestTaskQueueInterleavedPushPop(t *testing.T) {
	q := newTaskQueue()

	got := 0
	for round := 0; round < 3; round++ {
		for i := 0; i < chunkSize+5; i++ {
			q.push(func() { got++ })
		}
		for {
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn()
		}
	}
	assert.Equal(t, 3*(chunkSize+5), got)

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestTaskQueueClear(t *testing.T) {
	q := newTaskQueue()
	for i := 0; i < 10; i++ {
		q.push(func() {})
	}
	q.clear()
	assert.Equal(t, 0, q.len())
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestFifoRingOrderWithOverflow(t *testing.T) {
	var r fifoRing

	n := ringSize + 100 // force overflow
	watchers := make([]*ImmediateWatcher, n)
	for i := range watchers {
		watchers[i] = &ImmediateWatcher{}
		r.push(watchers[i])
	}
	assert.Equal(t, n, r.len())

	for i := 0; i < n; i++ {
		w := r.pop()
		require.Same(t, watchers[i], w, "index %d out of order", i)
	}
	assert.Nil(t, r.pop())
	assert.Equal(t, 0, r.len())
}

func TestFifoRingClear(t *testing.T) {
	var r fifoRing
	for i := 0; i < 10; i++ {
		r.push(&ImmediateWatcher{})
	}
	r.clear()
	assert.Equal(t, 0, r.len())
	assert.Nil(t, r.pop())
}
