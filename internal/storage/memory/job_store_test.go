package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/htbase/archivist/internal/archive"
)

func seedJob(t *testing.T, s *JobStore) (archive.Job, []archive.Task) {
	t.Helper()
	job := archive.Job{
		ID:        "job-1",
		URL:       "https://example.com",
		Kinds:     []archive.Kind{archive.KindSnapshot, archive.KindPDF},
		Status:    archive.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
		TaskIDs:   []string{"task-1", "task-2"},
	}
	tasks := []archive.Task{
		{ID: "task-1", JobID: job.ID, Kind: archive.KindSnapshot, Status: archive.TaskStatusQueued},
		{ID: "task-2", JobID: job.ID, Kind: archive.KindPDF, Status: archive.TaskStatusQueued},
	}
	require.NoError(t, s.CreateJob(context.Background(), job, tasks))
	return job, tasks
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	job, _ := seedJob(t, s)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)

	tasks, err := s.ListTasks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, archive.KindSnapshot, tasks[0].Kind)

	require.Error(t, s.CreateJob(context.Background(), job, nil))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	_, err := s.GetJob(context.Background(), "absent")
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = s.GetTask(context.Background(), "absent")
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = s.ListTasks(context.Background(), "absent")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestDeleteJobRemovesTasks(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	job, tasks := seedJob(t, s)

	require.NoError(t, s.DeleteJob(context.Background(), job.ID))
	_, err := s.GetJob(context.Background(), job.ID)
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = s.GetTask(context.Background(), tasks[0].ID)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestMarkTaskRunningTracksHighestAttempt(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	seedJob(t, s)
	ctx := context.Background()

	for _, attempt := range []int{1, 3, 2} {
		applied, err := s.MarkTaskRunning(ctx, "task-1", attempt)
		require.NoError(t, err)
		require.True(t, applied)
	}

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, archive.TaskStatusRunning, task.Status)
	require.Equal(t, 3, task.Attempts)
}

func TestMarkTaskRunningSkipsTerminalTask(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	seedJob(t, s)
	ctx := context.Background()

	applied, err := s.CompleteTask(ctx, "task-1", archive.TaskStatusSucceeded, nil, "")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.MarkTaskRunning(ctx, "task-1", 2)
	require.NoError(t, err)
	require.False(t, applied)

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, archive.TaskStatusSucceeded, task.Status)

	_, err = s.MarkTaskRunning(ctx, "absent", 1)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestCompleteTaskIsFirstWriteWins(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	seedJob(t, s)
	ctx := context.Background()

	ref := &archive.ArtifactRef{URI: "memory://job-1/snapshot/a.html"}
	applied, err := s.CompleteTask(ctx, "task-1", archive.TaskStatusSucceeded, ref, "")
	require.NoError(t, err)
	require.True(t, applied)

	// A redelivered completion must not overwrite the settled row.
	applied, err = s.CompleteTask(ctx, "task-1", archive.TaskStatusFailed, nil, "late failure")
	require.NoError(t, err)
	require.False(t, applied)

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, archive.TaskStatusSucceeded, task.Status)
	require.Equal(t, ref, task.Artifact)
	require.Empty(t, task.LastError)
}

func TestFinishJobAppliesOnce(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	job, _ := seedJob(t, s)
	ctx := context.Background()

	applied, err := s.FinishJob(ctx, job.ID, archive.JobStatusPartial)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.FinishJob(ctx, job.ID, archive.JobStatusSuccess)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, archive.JobStatusPartial, got.Status)
}

func TestPutArtifactFirstWriterWins(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	key := archive.IdempotencyKey("job-1", archive.KindSnapshot)

	first := archive.ArtifactRef{URI: "memory://one", ContentHash: "aaa"}
	got, created, err := s.PutArtifact(ctx, key, first)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, first, got)

	second := archive.ArtifactRef{URI: "memory://two", ContentHash: "bbb"}
	got, created, err = s.PutArtifact(ctx, key, second)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, got)

	stored, err := s.GetArtifact(ctx, key)
	require.NoError(t, err)
	require.Equal(t, first, stored)
}

func TestClaimKeyIsExclusive(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()

	ok, err := s.ClaimKey(ctx, "job-1:summarize")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimKey(ctx, "job-1:summarize")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseKey(ctx, "job-1:summarize"))
	ok, err = s.ClaimKey(ctx, "job-1:summarize")
	require.NoError(t, err)
	require.True(t, ok)
}
