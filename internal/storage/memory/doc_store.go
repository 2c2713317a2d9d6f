package memory

import (
	"context"
	"sync"

	"github.com/htbase/archivist/internal/archive"
)

// DocStore is an in-memory replica document store. Production deployments
// point the coordinator at a managed document database instead; this keeps
// the same upsert semantics for development and tests.
type DocStore struct {
	mu    sync.RWMutex
	jobs  map[string]archive.Job
	tasks map[string]archive.Task
}

// NewDocStore constructs a DocStore.
func NewDocStore() *DocStore {
	return &DocStore{
		jobs:  make(map[string]archive.Job),
		tasks: make(map[string]archive.Task),
	}
}

// UpsertJob overwrites the replica document for job.
func (s *DocStore) UpsertJob(_ context.Context, job archive.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// UpsertTask overwrites the replica document for task.
func (s *DocStore) UpsertTask(_ context.Context, task archive.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// Job returns the replicated job document, if present.
func (s *DocStore) Job(jobID string) (archive.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Task returns the replicated task document, if present.
func (s *DocStore) Task(taskID string) (archive.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}
