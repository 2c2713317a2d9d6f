// Package memory provides queue implementations for local development and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
)

const (
	defaultCapacity          = 64
	defaultVisibilityTimeout = 60 * time.Second
)

// Config controls queue capacity and redelivery behavior.
type Config struct {
	// Capacity bounds the ready buffer (default 64).
	Capacity int
	// VisibilityTimeout is how long a dequeued message may stay unacked
	// before it is redelivered. It must exceed the slowest expected
	// archiver run for the kind this queue serves.
	VisibilityTimeout time.Duration
}

// Queue is a bounded in-memory queue with at-least-once delivery. Dequeued
// messages are leased: an unacked lease expires after the visibility
// timeout and the message is redelivered with an incremented attempt.
type Queue struct {
	cfg    Config
	ch     chan archive.Delivery
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*lease

	done      chan struct{}
	closeOnce sync.Once
}

type lease struct {
	msg     archive.TaskMessage
	attempt int
	timer   *time.Timer
}

// New constructs a queue with the provided configuration.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:      cfg,
		ch:       make(chan archive.Delivery, cfg.Capacity),
		logger:   logger,
		inflight: make(map[string]*lease),
		done:     make(chan struct{}),
	}
}

// Enqueue pushes a message into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, msg archive.TaskMessage) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errors.New("queue closed")
	case q.ch <- archive.Delivery{Message: msg, Attempt: 1}:
		return nil
	}
}

// Dequeue pops the next message and opens a visibility lease for it.
func (q *Queue) Dequeue(ctx context.Context) (archive.Delivery, error) {
	select {
	case <-ctx.Done():
		return archive.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return archive.Delivery{}, errors.New("queue closed")
	case d := <-q.ch:
		q.openLease(d)
		return d, nil
	}
}

// Ack settles the in-flight message for taskID. Acking a message whose lease
// already expired is a no-op: at-least-once delivery means the redelivered
// copy will be settled by idempotent downstream writes.
func (q *Queue) Ack(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.inflight[taskID]; ok {
		l.timer.Stop()
		delete(q.inflight, taskID)
	}
	return nil
}

// Nack abandons the lease and schedules redelivery after retryAfter with an
// incremented attempt count.
func (q *Queue) Nack(_ context.Context, taskID string, retryAfter time.Duration) error {
	q.mu.Lock()
	l, ok := q.inflight[taskID]
	if ok {
		l.timer.Stop()
		delete(q.inflight, taskID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	next := archive.Delivery{Message: l.msg, Attempt: l.attempt + 1}
	if retryAfter <= 0 {
		q.redeliver(next)
		return nil
	}
	time.AfterFunc(retryAfter, func() { q.redeliver(next) })
	return nil
}

// Close shuts the queue down and stops all lease timers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		for id, l := range q.inflight {
			l.timer.Stop()
			delete(q.inflight, id)
		}
		q.mu.Unlock()
	})
}

func (q *Queue) openLease(d archive.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	taskID := d.Message.TaskID
	l := &lease{msg: d.Message, attempt: d.Attempt}
	l.timer = time.AfterFunc(q.cfg.VisibilityTimeout, func() { q.expireLease(taskID, d.Attempt) })
	q.inflight[taskID] = l
}

func (q *Queue) expireLease(taskID string, attempt int) {
	q.mu.Lock()
	l, ok := q.inflight[taskID]
	if ok && l.attempt == attempt {
		delete(q.inflight, taskID)
	} else {
		ok = false
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	q.logger.Warn("visibility timeout expired, redelivering task",
		zap.String("task_id", taskID),
		zap.Int("attempt", attempt),
	)
	q.redeliver(archive.Delivery{Message: l.msg, Attempt: attempt + 1})
}

func (q *Queue) redeliver(d archive.Delivery) {
	select {
	case q.ch <- d:
	default:
		// Ready buffer is full; hand off without blocking the timer goroutine.
		go func() {
			select {
			case q.ch <- d:
			case <-q.done:
			}
		}()
	}
}
