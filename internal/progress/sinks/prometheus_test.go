package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStart},
		{
			JobID:   "job-1",
			TaskID:  "task-1",
			TS:      now.Add(2 * time.Second),
			Stage:   progress.StageTaskDone,
			Kind:    archive.KindSnapshot,
			Result:  string(archive.TaskStatusSucceeded),
			Bytes:   2048,
			Ratio:   0.4,
			Dur:     2 * time.Second,
			Attempt: 1,
		},
		{
			JobID:  "job-1",
			TaskID: "task-2",
			TS:     now.Add(3 * time.Second),
			Stage:  progress.StageTaskRetry,
			Kind:   archive.KindPDF,
		},
		{JobID: "job-1", TS: now.Add(4 * time.Second), Stage: progress.StageSummarizeEnqueued},
		{JobID: "job-1", TS: now.Add(5 * time.Second), Stage: progress.StageJobDone, Result: "success", Dur: 5 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("snapshot", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskRetries.WithLabelValues("pdf")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.summarizeEnqueued))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.artifactBytes.WithLabelValues("snapshot")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskDuration, "archivist_task_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.compressionRatio, "archivist_artifact_compression_ratio"))
}
