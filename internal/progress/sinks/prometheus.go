// Package sinks provides progress.Sink implementations for metrics and logs.
package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/htbase/archivist/internal/progress"
)

// PrometheusSink exports archive pipeline metrics via Prometheus. It owns
// all collectors for job and task throughput, artifact sizes, and
// compression effectiveness.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobRuntime    *prometheus.HistogramVec

	tasksCompleted *prometheus.CounterVec
	taskRetries    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	artifactBytes    *prometheus.CounterVec
	compressionRatio *prometheus.HistogramVec

	summarizeEnqueued prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivist_jobs_started_total",
			Help: "Total archive jobs submitted.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_jobs_completed_total",
			Help: "Total jobs reaching a terminal status, partitioned by result.",
		}, []string{"result"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_job_runtime_seconds",
			Help:    "Wall time from submission to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_tasks_completed_total",
			Help: "Task completions partitioned by archiver kind and result.",
		}, []string{"kind", "result"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_task_retries_total",
			Help: "Task retry deliveries partitioned by archiver kind.",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_task_duration_seconds",
			Help:    "Archiver run duration partitioned by kind and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind", "result"}),
		artifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_artifact_bytes_total",
			Help: "Stored artifact bytes partitioned by archiver kind.",
		}, []string{"kind"}),
		compressionRatio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_artifact_compression_ratio",
			Help:    "Stored/original size ratio for compressed artifacts.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1},
		}, []string{"kind"}),
		summarizeEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivist_summarize_enqueued_total",
			Help: "Summarization tasks enqueued after readability success.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobRuntime,
		s.tasksCompleted,
		s.taskRetries,
		s.taskDuration,
		s.artifactBytes,
		s.compressionRatio,
		s.summarizeEnqueued,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
	case progress.StageJobDone:
		result := labelOr(evt.Result, "unknown")
		s.jobsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskDone:
		kind := labelOr(string(evt.Kind), "unknown")
		result := labelOr(evt.Result, "unknown")
		s.tasksCompleted.WithLabelValues(kind, result).Inc()
		if evt.Dur > 0 {
			s.taskDuration.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
		}
		if evt.Bytes > 0 {
			s.artifactBytes.WithLabelValues(kind).Add(float64(evt.Bytes))
		}
		if evt.Ratio > 0 {
			s.compressionRatio.WithLabelValues(kind).Observe(evt.Ratio)
		}
	case progress.StageTaskRetry:
		s.taskRetries.WithLabelValues(labelOr(string(evt.Kind), "unknown")).Inc()
	case progress.StageSummarizeEnqueued:
		s.summarizeEnqueued.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
