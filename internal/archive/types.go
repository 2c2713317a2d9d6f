// Package archive defines core types shared across subsystems.
package archive

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of an archive job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusPartial JobStatus = "partial_success"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusPartial, JobStatusFailed:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a single archiver invocation.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusAbandoned:
		return true
	default:
		return false
	}
}

// Kind identifies which archiver variant produces an artifact.
type Kind string

// Archiver kinds requestable by callers, plus the internal summarize kind.
const (
	KindSnapshot    Kind = "snapshot"
	KindMonolith    Kind = "monolith"
	KindReadability Kind = "readability"
	KindPDF         Kind = "pdf"
	KindScreenshot  Kind = "screenshot"

	// KindSummarize is the follow-on task enqueued after a readability
	// artifact lands. It is never accepted from callers.
	KindSummarize Kind = "summarize"
)

// Kinds returns the archiver kinds callers may request, in stable order.
func Kinds() []Kind {
	return []Kind{KindSnapshot, KindMonolith, KindReadability, KindPDF, KindScreenshot}
}

// Valid reports whether k is a caller-requestable archiver kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSnapshot, KindMonolith, KindReadability, KindPDF, KindScreenshot:
		return true
	default:
		return false
	}
}

// Job represents the metadata persisted for each submitted archive request.
type Job struct {
	ID        string    `json:"job_id"`
	URL       string    `json:"url"`
	Kinds     []Kind    `json:"requested_archivers"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	TaskIDs   []string  `json:"task_ids"`
}

// Task represents one archiver invocation within a job.
type Task struct {
	ID        string       `json:"task_id"`
	JobID     string       `json:"job_id"`
	Kind      Kind         `json:"archiver_kind"`
	Status    TaskStatus   `json:"status"`
	Attempts  int          `json:"attempt_count"`
	Artifact  *ArtifactRef `json:"artifact_ref,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ArtifactRef points at stored binary content. Immutable once created.
type ArtifactRef struct {
	URI          string  `json:"content_store_uri"`
	SizeBytes    int64   `json:"size_bytes"`
	OriginalSize int64   `json:"original_size_bytes"`
	ContentHash  string  `json:"content_hash"`
	ContentType  string  `json:"content_type"`
	Compressed   bool    `json:"compressed"`
	Ratio        float64 `json:"compression_ratio,omitempty"`
}

// TaskMessage is the payload carried on the queue for one task.
type TaskMessage struct {
	TaskID         string         `json:"task_id"`
	JobID          string         `json:"job_id"`
	Kind           Kind           `json:"archiver_kind"`
	URL            string         `json:"url"`
	Options        map[string]any `json:"options,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Delivery wraps a dequeued message with its delivery attempt, starting at 1.
type Delivery struct {
	Message TaskMessage
	Attempt int
}

// IdempotencyKey derives the dedup key for a (job, kind) pair. All writes
// for a task share this key, so retries and redeliveries collapse to one
// stored artifact and one metadata row.
func IdempotencyKey(jobID string, kind Kind) string {
	return fmt.Sprintf("%s:%s", jobID, kind)
}

// StatusRecord is the ephemeral entry kept in the status store, keyed by
// job or task ID.
type StatusRecord struct {
	State       string    `json:"state"`
	Kind        Kind      `json:"archiver_kind,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobView is the caller-facing status aggregation returned by the API.
type JobView struct {
	JobID  string     `json:"job_id"`
	Status JobStatus  `json:"status"`
	Tasks  []TaskView `json:"tasks"`
}

// TaskView is the caller-facing slice of one task's state.
type TaskView struct {
	Kind        Kind       `json:"archiver_kind"`
	Status      TaskStatus `json:"status"`
	ArtifactURI string     `json:"artifact_uri,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// CompletionEvent is the terminal outcome a worker reports for a task.
type CompletionEvent struct {
	TaskID   string       `json:"task_id"`
	JobID    string       `json:"job_id"`
	Kind     Kind         `json:"archiver_kind"`
	Status   TaskStatus   `json:"status"`
	Artifact *ArtifactRef `json:"artifact_ref,omitempty"`
	Error    string       `json:"error,omitempty"`
}
