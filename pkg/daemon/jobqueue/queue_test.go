package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/types"
)

func item(id string, p types.Priority) Item {
	return Item{JobID: id, Spec: types.JobSpec{JobID: id, Priority: p}}
}

func TestDequeueStrictPriorityThenFIFO(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(item("low-1", types.PriorityLow)))
	require.NoError(t, q.Enqueue(item("normal-1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(item("high-1", types.PriorityHigh)))
	require.NoError(t, q.Enqueue(item("high-2", types.PriorityHigh)))
	require.NoError(t, q.Enqueue(item("normal-2", types.PriorityNormal)))

	order := []string{}
	for i := 0; i < 5; i++ {
		it, ok := q.Dequeue()
		require.True(t, ok)
		order = append(order, it.JobID)
	}

	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, order)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue(item("a", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(item("b", types.PriorityNormal)))

	err := q.Enqueue(item("c", types.PriorityNormal))
	require.Error(t, err)
	assert.Equal(t, dimerr.QueueFull, dimerr.KindOf(err))
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(10)
	done := make(chan Item, 1)

	go func() {
		it, ok := q.Dequeue()
		if ok {
			done <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(item("late", types.PriorityHigh)))

	select {
	case it := <-done:
		assert.Equal(t, "late", it.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock after enqueue")
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := New(10)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock after close")
	}
}

func TestGetStatsReflectsBands(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(item("a", types.PriorityHigh)))
	require.NoError(t, q.Enqueue(item("b", types.PriorityLow)))

	stats := q.GetStats()
	assert.Equal(t, 1, stats.High)
	assert.Equal(t, 1, stats.Low)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 10, stats.MaxSize)
}
