// Package orchestrator owns the job lifecycle: submission fan-out, task
// completion fan-in, terminal status derivation, and the summarization
// trigger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/progress"
)

// Dispatcher routes task messages onto per-kind queues.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg archive.TaskMessage) error
}

// Replicator mirrors primary-store rows into the best-effort replica.
type Replicator interface {
	ReplicateJob(ctx context.Context, job archive.Job)
	ReplicateTask(ctx context.Context, task archive.Task)
}

// Topics published on the notifier for external consumers.
const (
	topicJobs  = "jobs"
	topicTasks = "tasks"
)

// SubmitRequest is the validated input for one archive job.
type SubmitRequest struct {
	URL     string
	Kinds   []archive.Kind
	Options map[string]any
}

// Orchestrator coordinates the primary store, status store, queues, and
// replica around the job state machine. All completion paths are idempotent:
// redelivered or duplicate completions settle against conditional writes in
// the primary store.
type Orchestrator struct {
	store    archive.JobStore
	status   archive.StatusStore
	queue    Dispatcher
	replica  Replicator
	notifier archive.Notifier
	emitter  progress.Emitter
	ids      archive.IDGenerator
	clock    archive.Clock
	logger   *zap.Logger
}

// New constructs an Orchestrator. replica, notifier, and emitter may be nil.
func New(
	store archive.JobStore,
	status archive.StatusStore,
	queue Dispatcher,
	replica Replicator,
	notifier archive.Notifier,
	emitter progress.Emitter,
	ids archive.IDGenerator,
	clock archive.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		status:   status,
		queue:    queue,
		replica:  replica,
		notifier: notifier,
		emitter:  emitter,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("orchestrator"),
	}, nil
}

// Submit validates the request, persists the job with one task per archiver
// kind, and enqueues every task. Submission is all-or-nothing: if any
// enqueue fails, the job is deleted and no tasks remain visible.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (archive.Job, error) {
	kinds, err := validateRequest(req)
	if err != nil {
		return archive.Job{}, err
	}

	jobID, err := o.ids.NewID()
	if err != nil {
		return archive.Job{}, fmt.Errorf("%w: generate job id: %s", archive.ErrSubmissionFailed, err)
	}
	now := o.clock.Now()

	job := archive.Job{
		ID:        jobID,
		URL:       req.URL,
		Kinds:     kinds,
		Status:    archive.JobStatusRunning,
		CreatedAt: now,
	}
	tasks := make([]archive.Task, 0, len(kinds))
	msgs := make([]archive.TaskMessage, 0, len(kinds))
	for _, kind := range kinds {
		taskID, err := o.ids.NewID()
		if err != nil {
			return archive.Job{}, fmt.Errorf("%w: generate task id: %s", archive.ErrSubmissionFailed, err)
		}
		job.TaskIDs = append(job.TaskIDs, taskID)
		tasks = append(tasks, archive.Task{
			ID:        taskID,
			JobID:     jobID,
			Kind:      kind,
			Status:    archive.TaskStatusQueued,
			UpdatedAt: now,
		})
		msgs = append(msgs, archive.TaskMessage{
			TaskID:         taskID,
			JobID:          jobID,
			Kind:           kind,
			URL:            req.URL,
			Options:        req.Options,
			IdempotencyKey: archive.IdempotencyKey(jobID, kind),
		})
	}

	if err := o.store.CreateJob(ctx, job, tasks); err != nil {
		return archive.Job{}, fmt.Errorf("%w: persist job: %s", archive.ErrSubmissionFailed, err)
	}

	o.setJobStatus(ctx, job)
	for _, task := range tasks {
		o.setTaskStatus(ctx, task)
	}

	for _, msg := range msgs {
		if err := o.queue.Enqueue(ctx, msg); err != nil {
			o.rollbackSubmission(ctx, job)
			return archive.Job{}, fmt.Errorf("%w: dispatch %s task: %s", archive.ErrSubmissionFailed, msg.Kind, err)
		}
	}

	if o.replica != nil {
		o.replica.ReplicateJob(ctx, job)
	}
	o.emit(progress.Event{JobID: jobID, TS: now, Stage: progress.StageJobStart})
	o.notify(ctx, topicJobs, map[string]any{
		"event":  "job_submitted",
		"job_id": jobID,
		"url":    req.URL,
	})
	o.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("url", req.URL),
		zap.Int("tasks", len(tasks)),
	)
	return job, nil
}

// HandleStart records a task execution attempt before the archiver runs.
// A redelivered start for a task that already settled is a no-op: the
// terminal record in the status store must survive it.
func (o *Orchestrator) HandleStart(ctx context.Context, msg archive.TaskMessage, attempt int) error {
	applied, err := o.store.MarkTaskRunning(ctx, msg.TaskID, attempt)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if !applied {
		o.logger.Debug("stale task start ignored",
			zap.String("task_id", msg.TaskID),
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", attempt),
		)
		return nil
	}
	o.setStatusRecord(ctx, msg.TaskID, archive.StatusRecord{
		State: string(archive.TaskStatusRunning),
		Kind:  msg.Kind,
	})
	stage := progress.StageTaskStart
	if attempt > 1 {
		stage = progress.StageTaskRetry
	}
	o.emit(progress.Event{
		JobID:   msg.JobID,
		TaskID:  msg.TaskID,
		TS:      o.clock.Now(),
		Stage:   stage,
		Kind:    msg.Kind,
		Attempt: attempt,
	})
	return nil
}

// HandleCompletion settles one task outcome and re-evaluates the job. It is
// safe to call any number of times for the same task: only the first call
// lands the terminal write, and job finalization is guarded the same way.
func (o *Orchestrator) HandleCompletion(ctx context.Context, ev archive.CompletionEvent) error {
	if !ev.Status.Terminal() {
		return fmt.Errorf("%w: completion status %q is not terminal", archive.ErrInvalidRequest, ev.Status)
	}
	applied, err := o.store.CompleteTask(ctx, ev.TaskID, ev.Status, ev.Artifact, ev.Error)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	if applied {
		rec := archive.StatusRecord{
			State: string(ev.Status),
			Kind:  ev.Kind,
			Error: ev.Error,
		}
		if ev.Artifact != nil {
			rec.ArtifactURI = ev.Artifact.URI
		}
		o.setStatusRecord(ctx, ev.TaskID, rec)

		if o.replica != nil {
			if task, err := o.store.GetTask(ctx, ev.TaskID); err == nil {
				o.replica.ReplicateTask(ctx, task)
			}
		}

	} else {
		o.logger.Debug("duplicate completion ignored",
			zap.String("task_id", ev.TaskID),
			zap.String("job_id", ev.JobID),
		)
		// Repair the cache from the winning write in case a stale record
		// is still sitting there.
		if task, err := o.store.GetTask(ctx, ev.TaskID); err == nil && task.Status.Terminal() {
			rec := archive.StatusRecord{
				State: string(task.Status),
				Kind:  task.Kind,
				Error: task.LastError,
			}
			if task.Artifact != nil {
				rec.ArtifactURI = task.Artifact.URI
			}
			o.setStatusRecord(ctx, ev.TaskID, rec)
		}
	}

	// Checked outside the applied branch: if a prior summarize enqueue
	// failed and released its claim, a redelivered completion retries it.
	if ev.Status == archive.TaskStatusSucceeded && ev.Kind == archive.KindReadability {
		o.maybeEnqueueSummarize(ctx, ev)
	}

	// Always re-evaluate fan-in: a crash after CompleteTask but before
	// finalization must be repaired by the redelivered completion.
	if err := o.finalizeIfDone(ctx, ev.JobID); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// Cancel abandons every unfinished task and fails the job. Already-terminal
// tasks and jobs are untouched; the returned boolean reports whether this
// call changed the job's status.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	tasks, err := o.store.ListTasks(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		applied, err := o.store.CompleteTask(ctx, task.ID, archive.TaskStatusAbandoned, nil, "job canceled")
		if err != nil {
			return false, fmt.Errorf("abandon task %s: %w", task.ID, err)
		}
		if applied {
			o.setStatusRecord(ctx, task.ID, archive.StatusRecord{
				State: string(archive.TaskStatusAbandoned),
				Kind:  task.Kind,
				Error: "job canceled",
			})
		}
	}
	applied, err := o.store.FinishJob(ctx, jobID, archive.JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("fail canceled job: %w", err)
	}
	if applied {
		job.Status = archive.JobStatusFailed
		o.setJobStatus(ctx, job)
		if o.replica != nil {
			o.replica.ReplicateJob(ctx, job)
		}
		o.notify(ctx, topicJobs, map[string]any{
			"event":  "job_canceled",
			"job_id": jobID,
		})
		o.logger.Info("job canceled", zap.String("job_id", jobID))
	}
	return applied, nil
}

// GetStatus aggregates the caller-facing view from the status store. A job
// whose status entries have expired reads as not found even if the primary
// store still holds it; callers treat the archive as settled history then.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (archive.JobView, error) {
	jobRec, err := o.status.Get(ctx, jobID)
	if err != nil {
		return archive.JobView{}, err
	}
	view := archive.JobView{
		JobID:  jobID,
		Status: archive.JobStatus(jobRec.State),
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return view, nil
		}
		return archive.JobView{}, fmt.Errorf("load job tasks: %w", err)
	}
	snap, err := o.status.Snapshot(ctx, job.TaskIDs)
	if err != nil {
		return archive.JobView{}, fmt.Errorf("snapshot task status: %w", err)
	}
	for i, taskID := range job.TaskIDs {
		rec, ok := snap[taskID]
		if !ok {
			continue
		}
		kind := rec.Kind
		if kind == "" && i < len(job.Kinds) {
			kind = job.Kinds[i]
		}
		view.Tasks = append(view.Tasks, archive.TaskView{
			Kind:        kind,
			Status:      archive.TaskStatus(rec.State),
			ArtifactURI: rec.ArtifactURI,
			Error:       rec.Error,
		})
	}
	return view, nil
}

// maybeEnqueueSummarize fires the follow-on summarization task exactly once
// per job. The claim key makes duplicate readability completions race
// safely; a failed enqueue releases the claim so a later retry can fire it.
func (o *Orchestrator) maybeEnqueueSummarize(ctx context.Context, ev archive.CompletionEvent) {
	key := archive.IdempotencyKey(ev.JobID, archive.KindSummarize)
	claimed, err := o.store.ClaimKey(ctx, key)
	if err != nil {
		o.logger.Error("summarize claim failed",
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
		return
	}
	if !claimed {
		return
	}
	job, err := o.store.GetJob(ctx, ev.JobID)
	var taskID string
	if err == nil {
		taskID, err = o.ids.NewID()
	}
	if err == nil {
		msg := archive.TaskMessage{
			TaskID:         taskID,
			JobID:          ev.JobID,
			Kind:           archive.KindSummarize,
			URL:            job.URL,
			IdempotencyKey: key,
		}
		if ev.Artifact != nil {
			msg.Options = map[string]any{"source_uri": ev.Artifact.URI}
		}
		err = o.queue.Enqueue(ctx, msg)
	}
	if err != nil {
		if relErr := o.store.ReleaseKey(ctx, key); relErr != nil {
			o.logger.Error("summarize claim release failed",
				zap.String("job_id", ev.JobID),
				zap.Error(relErr),
			)
		}
		o.logger.Warn("summarize enqueue failed",
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
		return
	}
	o.emit(progress.Event{JobID: ev.JobID, TS: o.clock.Now(), Stage: progress.StageSummarizeEnqueued})
	o.logger.Info("summarization enqueued", zap.String("job_id", ev.JobID))
}

// finalizeIfDone derives the job's terminal status once every task is
// settled. The conditional FinishJob makes concurrent finalizers converge:
// exactly one write lands and only that caller emits completion effects.
func (o *Orchestrator) finalizeIfDone(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	snap, err := o.status.Snapshot(ctx, job.TaskIDs)
	if err != nil {
		return fmt.Errorf("snapshot task status: %w", err)
	}

	succeeded, settled := 0, 0
	for _, taskID := range job.TaskIDs {
		status, ok := taskStatusFrom(snap, taskID)
		if !ok {
			// Expired or missing in the cache; the primary store decides.
			task, err := o.store.GetTask(ctx, taskID)
			if err != nil {
				return fmt.Errorf("load task %s: %w", taskID, err)
			}
			status = task.Status
		}
		if !status.Terminal() {
			return nil
		}
		settled++
		if status == archive.TaskStatusSucceeded {
			succeeded++
		}
	}

	final := archive.JobStatusPartial
	switch succeeded {
	case settled:
		final = archive.JobStatusSuccess
	case 0:
		final = archive.JobStatusFailed
	}

	applied, err := o.store.FinishJob(ctx, jobID, final)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !applied {
		return nil
	}

	job.Status = final
	o.setJobStatus(ctx, job)
	if o.replica != nil {
		o.replica.ReplicateJob(ctx, job)
	}
	o.emit(progress.Event{
		JobID:  jobID,
		TS:     o.clock.Now(),
		Stage:  progress.StageJobDone,
		Result: string(final),
		Dur:    o.clock.Now().Sub(job.CreatedAt),
	})
	o.notify(ctx, topicJobs, map[string]any{
		"event":  "job_finished",
		"job_id": jobID,
		"status": string(final),
	})
	o.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(final)),
	)
	return nil
}

func (o *Orchestrator) rollbackSubmission(ctx context.Context, job archive.Job) {
	if err := o.store.DeleteJob(ctx, job.ID); err != nil {
		o.logger.Error("submission rollback failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	if err := o.status.Delete(ctx, job.ID); err != nil {
		o.logger.Warn("status rollback failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	for _, taskID := range job.TaskIDs {
		if err := o.status.Delete(ctx, taskID); err != nil {
			o.logger.Warn("status rollback failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) setJobStatus(ctx context.Context, job archive.Job) {
	o.setStatusRecord(ctx, job.ID, archive.StatusRecord{State: string(job.Status)})
}

func (o *Orchestrator) setTaskStatus(ctx context.Context, task archive.Task) {
	o.setStatusRecord(ctx, task.ID, archive.StatusRecord{
		State: string(task.Status),
		Kind:  task.Kind,
	})
}

// setStatusRecord writes the cache entry. The cache is advisory: a failed
// write degrades reads, never correctness, so errors are only logged.
func (o *Orchestrator) setStatusRecord(ctx context.Context, key string, rec archive.StatusRecord) {
	rec.UpdatedAt = o.clock.Now()
	if err := o.status.Set(ctx, key, rec); err != nil {
		o.logger.Warn("status store write failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}
}

func (o *Orchestrator) notify(ctx context.Context, topic string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	if _, err := o.notifier.Publish(ctx, topic, payload); err != nil {
		o.logger.Warn("notifier publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func validateRequest(req SubmitRequest) ([]archive.Kind, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q is not absolute", archive.ErrInvalidRequest, req.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", archive.ErrInvalidRequest, u.Scheme)
	}
	if len(req.Kinds) == 0 {
		return nil, fmt.Errorf("%w: at least one archiver kind is required", archive.ErrInvalidRequest)
	}
	seen := make(map[archive.Kind]struct{}, len(req.Kinds))
	kinds := make([]archive.Kind, 0, len(req.Kinds))
	for _, kind := range req.Kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown archiver kind %q", archive.ErrInvalidRequest, kind)
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func taskStatusFrom(snap map[string]archive.StatusRecord, taskID string) (archive.TaskStatus, bool) {
	rec, ok := snap[taskID]
	if !ok {
		return "", false
	}
	return archive.TaskStatus(rec.State), true
}
