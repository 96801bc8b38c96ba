package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Outcome is a handler's verdict on a delivered message
type Outcome int

const (
	// Ack removes the message; terminal outcomes ack even on failure
	Ack Outcome = iota
	// Nack requests redelivery with an incremented attempt counter
	Nack
)

// Handler processes one delivered message
type Handler interface {
	Handle(ctx context.Context, msg *Message) Outcome
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, msg *Message) Outcome

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) Outcome {
	return f(ctx, msg)
}

// DropFunc receives messages that exhausted their redelivery attempts
// or could not be re-queued
type DropFunc func(msg *Message, reason error)

// Dispatcher delivers queued messages to a handler across a pool of
// worker goroutines
type Dispatcher struct {
	queue   *Queue
	handler Handler
	onDrop  DropFunc
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher, onDrop may be nil
func NewDispatcher(q *Queue, handler Handler, workers int, onDrop DropFunc, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		queue:   q,
		handler: handler,
		onDrop:  onDrop,
		workers: workers,
		logger:  log,
	}
}

// Start spawns the worker goroutines. Workers exit once the queue is
// closed and drained; cancelling ctx stops redelivery but buffered
// messages are still handled before exit.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(workerID int) {
			defer d.wg.Done()

			d.logger.Debug("Dispatcher worker started",
				"worker_id", workerID,
				"total_workers", d.workers,
			)

			for {
				select {
				case <-ctx.Done():
					d.logger.Debug("Dispatcher worker draining remaining messages",
						"worker_id", workerID,
					)
					for msg := range d.queue.ch {
						d.deliver(ctx, workerID, msg)
					}
					return

				case msg, ok := <-d.queue.ch:
					if !ok {
						d.logger.Debug("Dispatcher worker exiting",
							"worker_id", workerID,
							"reason", "queue_closed",
						)
						return
					}
					d.deliver(ctx, workerID, msg)
				}
			}
		}(i)
	}
}

// Wait blocks until all workers have exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, workerID int, msg *Message) {
	outcome := d.handle(ctx, workerID, msg)
	if outcome == Ack {
		return
	}

	if msg.Attempt >= d.queue.cfg.MaxAttempts {
		d.drop(msg, fmt.Errorf("redelivery attempts exhausted after %d tries", msg.Attempt))
		return
	}

	msg.Attempt++
	if err := d.queue.redeliver(msg); err != nil {
		d.drop(msg, fmt.Errorf("redelivery failed: %w", err))
	}
}

// handle invokes the handler with panic recovery; a panicked delivery
// is treated as nacked
func (d *Dispatcher) handle(ctx context.Context, workerID int, msg *Message) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Message handler panicked",
				"worker_id", workerID,
				"message_id", msg.ID,
				"record_id", msg.RecordID,
				"panic", fmt.Sprintf("%v", r),
			)
			outcome = Nack
		}
	}()

	return d.handler.Handle(ctx, msg)
}

func (d *Dispatcher) drop(msg *Message, reason error) {
	d.logger.Error("Dropping message",
		"message_id", msg.ID,
		"record_id", msg.RecordID,
		"attempt", msg.Attempt,
		"reason", reason,
	)
	if d.onDrop != nil {
		d.onDrop(msg, reason)
	}
}
