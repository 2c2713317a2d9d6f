package archive

import (
	"context"
	"io"
	"time"
)

// Queue carries task payloads between the API boundary and a worker pool.
// Delivery is at-least-once: a dequeued message that is never acked becomes
// eligible for redelivery after the queue's visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	// Dequeue blocks until a message is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes the in-flight message for taskID.
	Ack(ctx context.Context, taskID string) error
	// Nack schedules redelivery of the in-flight message after retryAfter.
	Nack(ctx context.Context, taskID string, retryAfter time.Duration) error
}

// ArchiveRequest is the input to one archiver run.
type ArchiveRequest struct {
	JobID   string
	TaskID  string
	URL     string
	Options map[string]any
}

// ArchiveResult is the artifact produced by a successful archiver run.
type ArchiveResult struct {
	Body        []byte
	ContentType string
	// Extension names the artifact file suffix without the dot (html, pdf...).
	Extension string
	Title     string
	Meta      map[string]any
}

// Archiver is one capability variant. Implementations must honor ctx
// deadlines; the worker bounds every run with a per-kind timeout.
type Archiver interface {
	Kind() Kind
	Run(ctx context.Context, req ArchiveRequest) (ArchiveResult, error)
}

// BlobStore persists binary artifact content and returns a store URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// JobStore is the primary (source of truth) metadata store.
type JobStore interface {
	// CreateJob persists the job and its tasks as one unit.
	CreateJob(ctx context.Context, job Job, tasks []Task) error
	// DeleteJob removes a job and its tasks; used to roll back a submission
	// whose dispatch enqueue failed.
	DeleteJob(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, jobID string) ([]Task, error)
	// MarkTaskRunning records an execution attempt. The boolean reports
	// whether the task actually transitioned to running; a task already
	// terminal is left untouched and returns false.
	MarkTaskRunning(ctx context.Context, taskID string, attempt int) (bool, error)
	// CompleteTask applies a terminal task state at most once. The boolean
	// reports whether this call performed the write; a task already terminal
	// leaves the stored row untouched and returns false.
	CompleteTask(ctx context.Context, taskID string, status TaskStatus, artifact *ArtifactRef, errText string) (bool, error)
	// FinishJob conditionally applies a terminal job status. A job already
	// terminal is never overwritten; the boolean reports whether the write
	// was applied.
	FinishJob(ctx context.Context, jobID string, status JobStatus) (bool, error)
	// PutArtifact stores ref under key if absent and returns the stored ref.
	// The boolean reports whether this call created it; a concurrent or
	// earlier writer wins and its ref is returned instead.
	PutArtifact(ctx context.Context, key string, ref ArtifactRef) (ArtifactRef, bool, error)
	GetArtifact(ctx context.Context, key string) (ArtifactRef, error)
	// ClaimKey registers an idempotency key if absent. True means this
	// caller owns the key; false means it was already claimed.
	ClaimKey(ctx context.Context, key string) (bool, error)
	// ReleaseKey drops a claim so a later caller may retry the guarded
	// side effect.
	ReleaseKey(ctx context.Context, key string) error
}

// DocStore is the best-effort replica. Write failures are logged by the
// coordinator and never propagated.
type DocStore interface {
	UpsertJob(ctx context.Context, job Job) error
	UpsertTask(ctx context.Context, task Task) error
}

// StatusStore is a read-optimized, TTL-bounded cache of lifecycle state.
type StatusStore interface {
	Set(ctx context.Context, key string, rec StatusRecord) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (StatusRecord, error)
	// Snapshot reads all keys under one consistent view. Missing or expired
	// keys are absent from the result, not an error.
	Snapshot(ctx context.Context, keys []string) (map[string]StatusRecord, error)
	Delete(ctx context.Context, key string) error
}

// Notifier publishes fire-and-forget events for external consumers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload map[string]any) (string, error)
}

// Hasher produces hex content hashes for artifact bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates opaque unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
