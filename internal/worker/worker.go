// Package worker implements the per-kind task execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/progress"
)

// Config controls one kind's worker pool.
type Config struct {
	// Concurrency is the number of loop goroutines (default 2).
	Concurrency int
	// MaxAttempts bounds deliveries per task, first included (default 3).
	MaxAttempts int
	// RunTimeout bounds a single archiver run (default 60s).
	RunTimeout time.Duration
	// BackoffInitial is the delay before the second delivery; it doubles
	// per attempt up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

const (
	defaultConcurrency    = 2
	defaultMaxAttempts    = 3
	defaultRunTimeout     = 60 * time.Second
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 60 * time.Second
)

// Lifecycle is the orchestrator surface the worker reports through.
type Lifecycle interface {
	HandleStart(ctx context.Context, msg archive.TaskMessage, attempt int) error
	HandleCompletion(ctx context.Context, ev archive.CompletionEvent) error
}

// ArtifactStore persists one archiver result idempotently.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, jobID string, kind archive.Kind, result archive.ArchiveResult) (archive.ArtifactRef, error)
}

// Worker consumes one kind's queue and executes its archiver. Failures are
// classified: retryable errors consume the attempt budget via Nack and
// exponential backoff, fatal errors fail the task immediately, and an
// exhausted budget abandons it.
type Worker struct {
	cfg       Config
	kind      archive.Kind
	queue     archive.Queue
	archiver  archive.Archiver
	artifacts ArtifactStore
	lifecycle Lifecycle
	emitter   progress.Emitter
	clock     archive.Clock
	logger    *zap.Logger
}

// New constructs a Worker for one archiver kind.
func New(
	cfg Config,
	queue archive.Queue,
	archiver archive.Archiver,
	artifacts ArtifactStore,
	lifecycle Lifecycle,
	emitter progress.Emitter,
	clock archive.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if archiver == nil {
		return nil, fmt.Errorf("archiver is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	kind := archiver.Kind()
	return &Worker{
		cfg:       cfg,
		kind:      kind,
		queue:     queue,
		archiver:  archiver,
		artifacts: artifacts,
		lifecycle: lifecycle,
		emitter:   emitter,
		clock:     clock,
		logger:    logger.Named("worker").With(zap.String("kind", string(kind))),
	}, nil
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d archive.Delivery) {
	msg := d.Message

	if msg.Kind != archive.KindSummarize {
		if err := w.lifecycle.HandleStart(ctx, msg, d.Attempt); err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				// A missing task row means the submission was rolled back
				// under us; drop the orphan delivery.
				w.logger.Warn("task start rejected, dropping delivery",
					zap.String("task_id", msg.TaskID),
					zap.Error(err),
				)
				w.ack(ctx, msg.TaskID)
				return
			}
			// Anything else is a transient store failure; keep the task.
			w.logger.Error("task start report failed, will redeliver",
				zap.String("task_id", msg.TaskID),
				zap.Error(err),
			)
			if nackErr := w.queue.Nack(ctx, msg.TaskID, w.backoff(d.Attempt)); nackErr != nil {
				w.logger.Error("nack failed", zap.String("task_id", msg.TaskID), zap.Error(nackErr))
			}
			return
		}
	}

	started := w.clock.Now()
	result, err := w.runArchiver(ctx, msg)
	var ref archive.ArtifactRef
	if err == nil {
		ref, err = w.artifacts.PutArtifact(ctx, msg.JobID, msg.Kind, result)
	}
	dur := w.clock.Now().Sub(started)

	if err == nil {
		w.settle(ctx, d, archive.TaskStatusSucceeded, &ref, "", dur)
		return
	}

	switch {
	case !archive.Retryable(err):
		w.logger.Warn("task failed fatally",
			zap.String("task_id", msg.TaskID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err),
		)
		w.settle(ctx, d, archive.TaskStatusFailed, nil, err.Error(), dur)
	case d.Attempt >= w.cfg.MaxAttempts:
		w.logger.Warn("task retry budget exhausted, abandoning",
			zap.String("task_id", msg.TaskID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err),
		)
		w.settle(ctx, d, archive.TaskStatusAbandoned, nil,
			fmt.Sprintf("abandoned after %d attempts: %s", d.Attempt, err), dur)
	default:
		delay := w.backoff(d.Attempt)
		w.logger.Info("task failed, scheduling retry",
			zap.String("task_id", msg.TaskID),
			zap.Int("attempt", d.Attempt),
			zap.Duration("retry_after", delay),
			zap.Error(err),
		)
		if nackErr := w.queue.Nack(ctx, msg.TaskID, delay); nackErr != nil {
			w.logger.Error("nack failed", zap.String("task_id", msg.TaskID), zap.Error(nackErr))
		}
	}
}

func (w *Worker) runArchiver(ctx context.Context, msg archive.TaskMessage) (archive.ArchiveResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()
	return w.archiver.Run(runCtx, archive.ArchiveRequest{
		JobID:   msg.JobID,
		TaskID:  msg.TaskID,
		URL:     msg.URL,
		Options: msg.Options,
	})
}

// settle reports the terminal outcome and acks. If the report fails, the
// message is nacked instead so the redelivered copy repairs the settlement;
// all downstream writes are idempotent.
func (w *Worker) settle(
	ctx context.Context,
	d archive.Delivery,
	status archive.TaskStatus,
	ref *archive.ArtifactRef,
	errText string,
	dur time.Duration,
) {
	msg := d.Message
	if msg.Kind != archive.KindSummarize {
		ev := archive.CompletionEvent{
			TaskID:   msg.TaskID,
			JobID:    msg.JobID,
			Kind:     msg.Kind,
			Status:   status,
			Artifact: ref,
			Error:    errText,
		}
		if err := w.lifecycle.HandleCompletion(ctx, ev); err != nil {
			w.logger.Error("completion report failed, will redeliver",
				zap.String("task_id", msg.TaskID),
				zap.Error(err),
			)
			if nackErr := w.queue.Nack(ctx, msg.TaskID, w.backoff(d.Attempt)); nackErr != nil {
				w.logger.Error("nack failed", zap.String("task_id", msg.TaskID), zap.Error(nackErr))
			}
			return
		}
	}

	if w.emitter != nil {
		evt := progress.Event{
			JobID:   msg.JobID,
			TaskID:  msg.TaskID,
			TS:      w.clock.Now(),
			Stage:   progress.StageTaskDone,
			Kind:    msg.Kind,
			Result:  string(status),
			Attempt: d.Attempt,
			Dur:     dur,
			Note:    errText,
		}
		if ref != nil {
			evt.Bytes = ref.SizeBytes
			evt.Ratio = ref.Ratio
		}
		w.emitter.Emit(evt)
	}
	w.ack(ctx, msg.TaskID)
}

func (w *Worker) ack(ctx context.Context, taskID string) {
	if err := w.queue.Ack(ctx, taskID); err != nil {
		w.logger.Error("ack failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// backoff returns initial*2^(attempt-1) capped at the configured max.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	if d > w.cfg.BackoffMax {
		return w.cfg.BackoffMax
	}
	return d
}
