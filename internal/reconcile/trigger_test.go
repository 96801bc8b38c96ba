package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/price_reconciler/internal/lease"
	"github.com/dealgrid/price_reconciler/internal/queue"
	"github.com/dealgrid/price_reconciler/internal/testhelpers"
	"github.com/dealgrid/price_reconciler/internal/vendors"
)

func newTriggerMessage(recordID string) *queue.Message {
	return &queue.Message{ID: "00000000-test", RecordID: recordID, Attempt: 1}
}

func TestTriggerHandlerAcksCommitted(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.seedRecord(t, "rec-1", "widget")
	f.registry.Register("vendor-a", &scriptedAdapter{byID: map[string]*vendors.Offer{
		"widget": offer("https://a.example/w", "A-1", 10),
	}})
	h := NewTriggerHandler(f.engine, "worker", testhelpers.Logger())

	out := h.Handle(context.Background(), newTriggerMessage("rec-1"))
	assert.Equal(t, queue.Ack, out)

	rec, err := f.store.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, rec.BestPrice)
}

func TestTriggerHandlerAcksMissingRecord(t *testing.T) {
	f := newEngineFixture(t, Config{})
	h := NewTriggerHandler(f.engine, "worker", testhelpers.Logger())

	out := h.Handle(context.Background(), newTriggerMessage("ghost"))
	assert.Equal(t, queue.Ack, out)
}

func TestTriggerHandlerNacksBusyRecord(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.seedRecord(t, "rec-1", "widget")

	_, err := f.leases.Acquire(context.Background(), "rec-1", "other-holder", lease.TypeReconcile, time.Minute)
	require.NoError(t, err)

	h := NewTriggerHandler(f.engine, "worker", testhelpers.Logger())
	out := h.Handle(context.Background(), newTriggerMessage("rec-1"))
	assert.Equal(t, queue.Nack, out)
}

// A busy trigger is nacked, redelivered, and then merges; the redelivered
// run writes nothing twice.
func TestTriggerRedeliveryMergesIdempotently(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.seedRecord(t, "rec-1", "widget")
	f.registry.Register("vendor-a", &scriptedAdapter{byID: map[string]*vendors.Offer{
		"widget": offer("https://a.example/w", "A-1", 10),
	}, bySKU: map[string]*vendors.Offer{
		"A-1": offer("https://a.example/w", "A-1", 10),
	}})

	// the lease is held elsewhere at first delivery and freed before the
	// redelivery, so the first attempt nacks and the second commits
	_, err := f.leases.Acquire(context.Background(), "rec-1", "other-holder", lease.TypeReconcile, time.Minute)
	require.NoError(t, err)

	handler := NewTriggerHandler(f.engine, "worker", testhelpers.Logger())
	committed := make(chan struct{})
	var once sync.Once
	var attempts []int
	var mu sync.Mutex
	wrapped := queue.HandlerFunc(func(ctx context.Context, msg *queue.Message) queue.Outcome {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		mu.Unlock()

		out := handler.Handle(ctx, msg)
		if out == queue.Nack {
			once.Do(func() {
				require.NoError(t, f.leases.Release(ctx, "rec-1", "other-holder", lease.TypeReconcile))
			})
		} else {
			close(committed)
		}
		return out
	})

	triggers := queue.NewQueue(queue.Config{Capacity: 8, MaxAttempts: 5})
	d := queue.NewDispatcher(triggers, wrapped, 1, nil, testhelpers.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	_, err = triggers.Enqueue("rec-1")
	require.NoError(t, err)

	select {
	case <-committed:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never committed")
	}
	triggers.Close()
	d.Wait()

	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()

	obs, err := f.store.ListObservations(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Len(t, obs, 1)
}

// Two triggers for the same record, delivered concurrently, still produce
// a single observation for the period.
func TestTriggerDuplicateDeliverySingleObservation(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.seedRecord(t, "rec-1", "widget")
	f.registry.Register("vendor-a", &scriptedAdapter{byID: map[string]*vendors.Offer{
		"widget": offer("https://a.example/w", "A-1", 10),
	}, bySKU: map[string]*vendors.Offer{
		"A-1": offer("https://a.example/w", "A-1", 10),
	}})

	handler := NewTriggerHandler(f.engine, "worker", testhelpers.Logger())
	var acks sync.WaitGroup
	acks.Add(2)
	wrapped := queue.HandlerFunc(func(ctx context.Context, msg *queue.Message) queue.Outcome {
		out := handler.Handle(ctx, msg)
		if out == queue.Ack {
			acks.Done()
		} else {
			// back off so the losing trigger does not burn its attempt
			// budget while the winner's run is still in flight
			time.Sleep(5 * time.Millisecond)
		}
		return out
	})

	triggers := queue.NewQueue(queue.Config{Capacity: 8, MaxAttempts: 10})
	d := queue.NewDispatcher(triggers, wrapped, 2, nil, testhelpers.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	_, err := triggers.Enqueue("rec-1")
	require.NoError(t, err)
	_, err = triggers.Enqueue("rec-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		acks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("triggers never both acked")
	}
	triggers.Close()
	d.Wait()

	obs, err := f.store.ListObservations(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Len(t, obs, 1)
}
