// Package progress defines the lifecycle event stream emitted by the
// orchestrator and workers, batched out to metrics and log sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/htbase/archivist/internal/archive"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart          Stage = "JOB_START"
	StageJobDone           Stage = "JOB_DONE"
	StageTaskStart         Stage = "TASK_START"
	StageTaskDone          Stage = "TASK_DONE"
	StageTaskRetry         Stage = "TASK_RETRY"
	StageSummarizeEnqueued Stage = "SUMMARIZE_ENQUEUED"
)

// Event captures a single archive lifecycle milestone.
type Event struct {
	// JobID identifies the owning job.
	JobID string
	// TaskID scopes task-level stages; empty for job stages.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Kind labels task events with the archiver variant.
	Kind archive.Kind
	// Result carries the terminal status for TASK_DONE and JOB_DONE.
	Result string
	// Attempt is the delivery attempt for task stages.
	Attempt int
	// Bytes is the stored artifact size for successful TASK_DONE events.
	Bytes int64
	// Ratio is the compression ratio (stored/original) when compressed.
	Ratio float64
	// Dur captures execution latency for task and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageSummarizeEnqueued:
	case StageTaskStart, StageTaskRetry:
		if e.TaskID == "" {
			return errors.New("task stage requires task id")
		}
		if e.Kind == "" {
			return errors.New("task stage requires kind")
		}
	case StageTaskDone:
		if e.TaskID == "" {
			return errors.New("task done requires task id")
		}
		if e.Kind == "" {
			return errors.New("task done requires kind")
		}
		if e.Result == "" {
			return errors.New("task done requires result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
