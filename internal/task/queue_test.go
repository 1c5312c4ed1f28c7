package task

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelden/warden/pkg/types"
)

func mkTask(id string, priority int) *types.Task {
	return &types.Task{ID: id, Type: "test", Priority: priority, State: types.StateQueued}
}

func TestQueuePriorityWithFIFOTieBreak(t *testing.T) {
	q := NewQueue(10)

	require.NoError(t, q.Enqueue(mkTask("A", 5)))
	require.NoError(t, q.Enqueue(mkTask("B", 1)))
	require.NoError(t, q.Enqueue(mkTask("C", 5)))

	assert.Equal(t, "B", q.Dequeue().ID, "lowest priority value dequeues first")
	assert.Equal(t, "A", q.Dequeue().ID, "equal priorities keep submission order")
	assert.Equal(t, "C", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestQueueFrontLaneBeatsHeap(t *testing.T) {
	q := NewQueue(10)

	require.NoError(t, q.Enqueue(mkTask("urgent", 0)))
	q.EnqueueFront(mkTask("interrupted-1", 9))
	q.EnqueueFront(mkTask("interrupted-2", 9))

	assert.Equal(t, 2, q.FrontLen())
	assert.Equal(t, "interrupted-1", q.Dequeue().ID)
	assert.Equal(t, "interrupted-2", q.Dequeue().ID)
	assert.Equal(t, "urgent", q.Dequeue().ID)
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Enqueue(mkTask("t1", 0)))
	require.NoError(t, q.Enqueue(mkTask("t2", 0)))
	assert.ErrorIs(t, q.Enqueue(mkTask("t3", 0)), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// Internal requeues are never rejected
	q.Requeue(mkTask("retry", 0))
	q.EnqueueFront(mkTask("interrupted", 0))
	assert.Equal(t, 4, q.Len())
}

func TestQueueNotEmptySignal(t *testing.T) {
	q := NewQueue(10)

	select {
	case <-q.NotEmpty():
		t.Fatal("signal before any enqueue")
	default:
	}

	require.NoError(t, q.Enqueue(mkTask("t1", 0)))

	select {
	case <-q.NotEmpty():
	default:
		t.Fatal("expected a not-empty signal after enqueue")
	}
}

func TestQueueFIFOAcrossManyEqualPriorities(t *testing.T) {
	q := NewQueue(100)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(mkTask(fmt.Sprintf("t%02d", i), 3)))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("t%02d", i), q.Dequeue().ID)
	}
}
