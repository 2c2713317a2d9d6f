package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
)

func testMessage(id string) archive.TaskMessage {
	return archive.TaskMessage{
		TaskID: id,
		JobID:  "job-1",
		Kind:   archive.KindSnapshot,
		URL:    "https://example.com",
	}
}

func TestQueueEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 1, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testMessage("task-1")))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", d.Message.TaskID)
	require.Equal(t, 1, d.Attempt)

	require.NoError(t, q.Ack(ctx, "task-1"))
}

func TestQueueNackRedeliversWithIncrementedAttempt(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 2, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testMessage("task-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d.Message.TaskID, 10*time.Millisecond))

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	redelivered, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", redelivered.Message.TaskID)
	require.Equal(t, 2, redelivered.Attempt)
}

func TestQueueVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 2, VisibilityTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testMessage("task-1")))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Never acked: the lease expires and the message comes back.
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	redelivered, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, "task-1", redelivered.Message.TaskID)
	require.Equal(t, 2, redelivered.Attempt)
}

func TestQueueAckPreventsRedelivery(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 2, VisibilityTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testMessage("task-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d.Message.TaskID))

	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(dctx)
	require.Error(t, err)
}

func TestQueueAckAfterExpiryIsNoOp(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 2, VisibilityTimeout: 10 * time.Millisecond}, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testMessage("task-1")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(dctx)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, q.Ack(ctx, d.Message.TaskID))
}

func TestQueueCancellationErrors(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 1, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("primed")))
	err = q.Enqueue(ctx, testMessage("blocked"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	t.Parallel()

	q := New(Config{Capacity: 1, VisibilityTimeout: time.Minute}, zap.NewNop())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
	// Closing twice is safe.
	q.Close()
}
