package archive

import "errors"

// Sentinel errors shared across subsystems. Callers classify with errors.Is.
var (
	// ErrNotFound signals a missing job, task, or status record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRequest signals a caller error (empty or unknown archiver
	// kinds, malformed URL). Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSubmissionFailed signals the orchestrator could not atomically
	// create and dispatch a job. No half-created job remains.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrStorageUnavailable signals a transient content/metadata store
	// failure. Retried with backoff against the task's attempt budget.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrQuotaExceeded signals a fatal storage condition. The task fails
	// immediately without consuming further retries.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrPrimaryWrite signals the primary metadata write failed after the
	// blob upload landed. Retried; the redelivered attempt skips the upload
	// via the idempotency key and repeats only the metadata write.
	ErrPrimaryWrite = errors.New("primary metadata write failed")
)

// Retryable reports whether err should consume the task's retry budget
// rather than failing the task outright.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	return true
}
