package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/price_reconciler/internal/testhelpers"
)

func TestEnqueueAssignsIDs(t *testing.T) {
	q := NewQueue(Config{Capacity: 4})

	id1, err := q.Enqueue("rec-1")
	require.NoError(t, err)
	id2, err := q.Enqueue("rec-2")
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueFullFailsFast(t *testing.T) {
	q := NewQueue(Config{Capacity: 2})

	_, err := q.Enqueue("rec-1")
	require.NoError(t, err)
	_, err = q.Enqueue("rec-2")
	require.NoError(t, err)

	_, err = q.Enqueue("rec-3")
	assert.ErrorIs(t, err, ErrFull)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewQueue(Config{Capacity: 2})
	q.Close()
	q.Close() // idempotent

	_, err := q.Enqueue("rec-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherDeliversAll(t *testing.T) {
	q := NewQueue(Config{Capacity: 32})

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := HandlerFunc(func(ctx context.Context, msg *Message) Outcome {
		mu.Lock()
		seen[msg.RecordID]++
		mu.Unlock()
		return Ack
	})

	d := NewDispatcher(q, handler, 4, nil, testhelpers.Logger())
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(id)
		require.NoError(t, err)
	}

	q.Close()
	d.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s delivered %d times", id, n)
	}
}

func TestDispatcherRedeliversNack(t *testing.T) {
	q := NewQueue(Config{Capacity: 8, MaxAttempts: 5})

	var attempts []int
	var mu sync.Mutex
	handler := HandlerFunc(func(ctx context.Context, msg *Message) Outcome {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		done := len(attempts) >= 3
		mu.Unlock()
		if done {
			q.Close()
			return Ack
		}
		return Nack
	})

	d := NewDispatcher(q, handler, 1, nil, testhelpers.Logger())
	d.Start(context.Background())

	_, err := q.Enqueue("rec-1")
	require.NoError(t, err)
	d.Wait()

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDispatcherDropsAfterMaxAttempts(t *testing.T) {
	q := NewQueue(Config{Capacity: 8, MaxAttempts: 2})

	var handled int32
	handler := HandlerFunc(func(ctx context.Context, msg *Message) Outcome {
		atomic.AddInt32(&handled, 1)
		return Nack
	})

	dropped := make(chan *Message, 1)
	onDrop := func(msg *Message, reason error) {
		dropped <- msg
		q.Close()
	}

	d := NewDispatcher(q, handler, 1, onDrop, testhelpers.Logger())
	d.Start(context.Background())

	_, err := q.Enqueue("rec-1")
	require.NoError(t, err)
	d.Wait()

	select {
	case msg := <-dropped:
		assert.Equal(t, "rec-1", msg.RecordID)
		assert.Equal(t, 2, msg.Attempt)
	default:
		t.Fatal("expected a dropped message")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&handled))
}

func TestDispatcherRecoversPanic(t *testing.T) {
	q := NewQueue(Config{Capacity: 8, MaxAttempts: 3})

	var calls int32
	handler := HandlerFunc(func(ctx context.Context, msg *Message) Outcome {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("handler exploded")
		}
		q.Close()
		return Ack
	})

	d := NewDispatcher(q, handler, 1, nil, testhelpers.Logger())
	d.Start(context.Background())

	_, err := q.Enqueue("rec-1")
	require.NoError(t, err)
	d.Wait()

	// panicked delivery was nacked and redelivered
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherDrainsOnCancel(t *testing.T) {
	q := NewQueue(Config{Capacity: 8})

	var handled int32
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, msg *Message) Outcome {
		atomic.AddInt32(&handled, 1)
		select {
		case <-started:
		default:
			close(started)
		}
		return Ack
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(q, handler, 1, nil, testhelpers.Logger())

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue("rec")
		require.NoError(t, err)
	}
	q.Close()

	d.Start(ctx)
	<-started
	cancel()
	d.Wait()

	assert.Equal(t, int32(4), atomic.LoadInt32(&handled))
}
