package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/htbase/archivist/internal/archive"
)

// JobStore is an in-memory primary metadata store. It mirrors the semantics
// the Postgres store provides: transactional job creation, conditional
// terminal writes, and create-if-absent artifact and key registration.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]archive.Job
	tasks     map[string]archive.Task
	byJob     map[string][]string
	artifacts map[string]archive.ArtifactRef
	keys      map[string]struct{}
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]archive.Job),
		tasks:     make(map[string]archive.Task),
		byJob:     make(map[string][]string),
		artifacts: make(map[string]archive.ArtifactRef),
		keys:      make(map[string]struct{}),
	}
}

// CreateJob stores the job and its tasks as one unit.
func (s *JobStore) CreateJob(_ context.Context, job archive.Job, tasks []archive.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	for _, t := range tasks {
		s.tasks[t.ID] = t
		s.byJob[job.ID] = append(s.byJob[job.ID], t.ID)
	}
	return nil
}

// DeleteJob removes the job and its tasks. Used to roll back a submission
// whose dispatch failed; artifacts and idempotency keys are left alone since
// no task for the job has run yet.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, taskID := range s.byJob[jobID] {
		delete(s.tasks, taskID)
	}
	delete(s.byJob, jobID)
	delete(s.jobs, jobID)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (archive.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return archive.Job{}, archive.ErrNotFound
	}
	return job, nil
}

// GetTask fetches a task by ID.
func (s *JobStore) GetTask(_ context.Context, taskID string) (archive.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return archive.Task{}, archive.ErrNotFound
	}
	return task, nil
}

// ListTasks returns all tasks for a job in creation order.
func (s *JobStore) ListTasks(_ context.Context, jobID string) ([]archive.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.byJob[jobID]
	if !ok {
		if _, jobExists := s.jobs[jobID]; !jobExists {
			return nil, archive.ErrNotFound
		}
	}
	out := make([]archive.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	return out, nil
}

// MarkTaskRunning records an execution attempt. Terminal tasks are left
// untouched so a late redelivery cannot resurrect a settled task.
func (s *JobStore) MarkTaskRunning(_ context.Context, taskID string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, archive.ErrNotFound
	}
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = archive.TaskStatusRunning
	if attempt > task.Attempts {
		task.Attempts = attempt
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return true, nil
}

// CompleteTask applies a terminal task state at most once.
func (s *JobStore) CompleteTask(
	_ context.Context,
	taskID string,
	status archive.TaskStatus,
	artifact *archive.ArtifactRef,
	errText string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, archive.ErrNotFound
	}
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = status
	task.Artifact = artifact
	task.LastError = errText
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return true, nil
}

// FinishJob conditionally applies a terminal job status.
func (s *JobStore) FinishJob(_ context.Context, jobID string, status archive.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, archive.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	s.jobs[jobID] = job
	return true, nil
}

// PutArtifact stores ref under key if absent; an existing ref wins.
func (s *JobStore) PutArtifact(_ context.Context, key string, ref archive.ArtifactRef) (archive.ArtifactRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.artifacts[key]; ok {
		return existing, false, nil
	}
	s.artifacts[key] = ref
	return ref, true, nil
}

// GetArtifact returns the artifact stored under key.
func (s *JobStore) GetArtifact(_ context.Context, key string) (archive.ArtifactRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.artifacts[key]
	if !ok {
		return archive.ArtifactRef{}, archive.ErrNotFound
	}
	return ref, nil
}

// ClaimKey registers an idempotency key if absent.
func (s *JobStore) ClaimKey(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, claimed := s.keys[key]; claimed {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

// ReleaseKey drops a claim so a later caller may retry.
func (s *JobStore) ReleaseKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
