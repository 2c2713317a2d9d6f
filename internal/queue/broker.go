// Package queue routes task messages to per-kind queues.
package queue

import (
	"context"
	"fmt"

	"github.com/htbase/archivist/internal/archive"
)

// Broker owns one queue per archiver kind. Browser-backed archivers are
// resource-heavy and get their own capacity and visibility settings, so
// kinds never contend on a shared buffer.
type Broker struct {
	queues map[archive.Kind]archive.Queue
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[archive.Kind]archive.Queue)}
}

// Register binds a queue to a kind, replacing any previous binding.
func (b *Broker) Register(kind archive.Kind, q archive.Queue) {
	b.queues[kind] = q
}

// Get returns the queue for kind.
func (b *Broker) Get(kind archive.Kind) (archive.Queue, error) {
	q, ok := b.queues[kind]
	if !ok {
		return nil, fmt.Errorf("no queue registered for kind %q", kind)
	}
	return q, nil
}

// Enqueue routes msg to the queue for its kind.
func (b *Broker) Enqueue(ctx context.Context, msg archive.TaskMessage) error {
	q, err := b.Get(msg.Kind)
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s task: %w", msg.Kind, err)
	}
	return nil
}

// Kinds lists the kinds with a registered queue.
func (b *Broker) Kinds() []archive.Kind {
	kinds := make([]archive.Kind, 0, len(b.queues))
	for k := range b.queues {
		kinds = append(kinds, k)
	}
	return kinds
}
