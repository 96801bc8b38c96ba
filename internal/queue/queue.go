// Package queue provides the bounded in-memory completion queue and its
// dispatcher. Delivery is at-least-once: a nacked message is redelivered
// with an incremented attempt counter until the attempt cap, after which
// it is handed to the drop sink instead of being retried forever.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealgrid/price_reconciler/internal/utils"
)

// ErrFull is returned by Enqueue when the queue is at capacity
var ErrFull = errors.New("queue: full")

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("queue: closed")

// Message is one completion trigger for a record
type Message struct {
	ID         string
	RecordID   string
	Attempt    int
	EnqueuedAt time.Time
}

// Config holds queue configuration
type Config struct {
	Capacity    int
	MaxAttempts int
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Queue is a bounded in-memory message queue with redelivery
type Queue struct {
	cfg Config
	ch  chan *Message

	mu     sync.Mutex
	closed bool
}

// NewQueue creates an empty queue
func NewQueue(cfg Config) *Queue {
	cfg.ApplyDefaults()
	return &Queue{
		cfg: cfg,
		ch:  make(chan *Message, cfg.Capacity),
	}
}

// Enqueue submits a new completion trigger for recordID and returns the
// message ID. Fails fast with ErrFull when the queue is at capacity.
func (q *Queue) Enqueue(recordID string) (string, error) {
	msg := &Message{
		ID:         uuid.NewString(),
		RecordID:   recordID,
		Attempt:    1,
		EnqueuedAt: utils.NowUTC(),
	}
	if err := q.put(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// redeliver re-queues a nacked message with its attempt count already
// incremented by the dispatcher
func (q *Queue) redeliver(msg *Message) error {
	return q.put(msg)
}

func (q *Queue) put(msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting messages. Already-queued messages are still
// drained by the dispatcher workers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
