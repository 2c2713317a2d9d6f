package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
	"github.com/htbase/archivist/internal/clock/system"
	queuememory "github.com/htbase/archivist/internal/queue/memory"
)

type scriptedArchiver struct {
	kind archive.Kind
	mu   sync.Mutex
	runs int
	fn   func(run int) (archive.ArchiveResult, error)
}

func (a *scriptedArchiver) Kind() archive.Kind { return a.kind }

func (a *scriptedArchiver) Run(_ context.Context, _ archive.ArchiveRequest) (archive.ArchiveResult, error) {
	a.mu.Lock()
	a.runs++
	run := a.runs
	a.mu.Unlock()
	return a.fn(run)
}

func (a *scriptedArchiver) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

type fakeArtifacts struct {
	mu   sync.Mutex
	refs map[string]archive.ArtifactRef
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{refs: make(map[string]archive.ArtifactRef)}
}

func (f *fakeArtifacts) PutArtifact(_ context.Context, jobID string, kind archive.Kind, result archive.ArchiveResult) (archive.ArtifactRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := archive.IdempotencyKey(jobID, kind)
	if ref, ok := f.refs[key]; ok {
		return ref, nil
	}
	ref := archive.ArtifactRef{
		URI:       fmt.Sprintf("memory://%s/%s", jobID, kind),
		SizeBytes: int64(len(result.Body)),
	}
	f.refs[key] = ref
	return ref, nil
}

type recordingLifecycle struct {
	mu          sync.Mutex
	starts      []int
	completions []archive.CompletionEvent
	startErr    func(attempt int) error
}

func (l *recordingLifecycle) HandleStart(_ context.Context, _ archive.TaskMessage, attempt int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, attempt)
	if l.startErr != nil {
		return l.startErr(attempt)
	}
	return nil
}

func (l *recordingLifecycle) HandleCompletion(_ context.Context, ev archive.CompletionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completions = append(l.completions, ev)
	return nil
}

func (l *recordingLifecycle) completed() []archive.CompletionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]archive.CompletionEvent(nil), l.completions...)
}

func (l *recordingLifecycle) startAttempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.starts...)
}

func startWorker(t *testing.T, cfg Config, q archive.Queue, a archive.Archiver, lc Lifecycle) (context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	w, err := New(cfg, q, a, newFakeArtifacts(), lc, nil, system.New(), zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	return cancel, &wg
}

func enqueue(t *testing.T, q archive.Queue, kind archive.Kind) archive.TaskMessage {
	t.Helper()
	msg := archive.TaskMessage{
		TaskID:         "task-1",
		JobID:          "job-1",
		Kind:           kind,
		URL:            "https://example.com",
		IdempotencyKey: archive.IdempotencyKey("job-1", kind),
	}
	require.NoError(t, q.Enqueue(context.Background(), msg))
	return msg
}

func TestWorkerSuccessSettlesTask(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindSnapshot, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{Body: []byte("<html/>"), ContentType: "text/html", Extension: "html"}, nil
	}}
	lc := &recordingLifecycle{}

	cancel, wg := startWorker(t, Config{Concurrency: 1}, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindSnapshot)

	require.Eventually(t, func() bool {
		return len(lc.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := lc.completed()[0]
	require.Equal(t, archive.TaskStatusSucceeded, ev.Status)
	require.NotNil(t, ev.Artifact)
	require.Equal(t, "memory://job-1/snapshot", ev.Artifact.URI)
	require.Equal(t, 1, arch.runCount())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindSnapshot, fn: func(run int) (archive.ArchiveResult, error) {
		if run == 1 {
			return archive.ArchiveResult{}, fmt.Errorf("%w: flaky upstream", archive.ErrStorageUnavailable)
		}
		return archive.ArchiveResult{Body: []byte("ok"), ContentType: "text/html", Extension: "html"}, nil
	}}
	lc := &recordingLifecycle{}

	cfg := Config{Concurrency: 1, MaxAttempts: 3, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
	cancel, wg := startWorker(t, cfg, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindSnapshot)

	require.Eventually(t, func() bool {
		return len(lc.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, archive.TaskStatusSucceeded, lc.completed()[0].Status)
	require.Equal(t, 2, arch.runCount())
}

func TestWorkerFatalErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindPDF, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{}, fmt.Errorf("%w: bucket out of space", archive.ErrQuotaExceeded)
	}}
	lc := &recordingLifecycle{}

	cancel, wg := startWorker(t, Config{Concurrency: 1, MaxAttempts: 5}, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindPDF)

	require.Eventually(t, func() bool {
		return len(lc.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, archive.TaskStatusFailed, lc.completed()[0].Status)
	// No retries consumed on fatal errors.
	require.Equal(t, 1, arch.runCount())
}

func TestWorkerAbandonsAfterBudgetExhausted(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindScreenshot, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{}, errors.New("render crashed")
	}}
	lc := &recordingLifecycle{}

	cfg := Config{Concurrency: 1, MaxAttempts: 2, BackoffInitial: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond}
	cancel, wg := startWorker(t, cfg, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindScreenshot)

	require.Eventually(t, func() bool {
		return len(lc.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := lc.completed()[0]
	require.Equal(t, archive.TaskStatusAbandoned, ev.Status)
	require.Contains(t, ev.Error, "abandoned after 2 attempts")
	require.Equal(t, 2, arch.runCount())
}

func TestWorkerRedeliversWhenStartReportFails(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindSnapshot, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{Body: []byte("ok"), ContentType: "text/html", Extension: "html"}, nil
	}}
	// The store blips on the first start report; the task must survive it.
	lc := &recordingLifecycle{startErr: func(attempt int) error {
		if attempt == 1 {
			return fmt.Errorf("mark task running: %w", archive.ErrStorageUnavailable)
		}
		return nil
	}}

	cfg := Config{Concurrency: 1, MaxAttempts: 3, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
	cancel, wg := startWorker(t, cfg, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindSnapshot)

	require.Eventually(t, func() bool {
		return len(lc.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, archive.TaskStatusSucceeded, lc.completed()[0].Status)
	// Attempt one never reached the archiver.
	require.Equal(t, 1, arch.runCount())
	require.Equal(t, []int{1, 2}, lc.startAttempts())
}

func TestWorkerDropsOrphanDelivery(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindSnapshot, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{Body: []byte("ok")}, nil
	}}
	// The task row is gone: the submission was rolled back.
	lc := &recordingLifecycle{startErr: func(int) error {
		return fmt.Errorf("mark task running: %w", archive.ErrNotFound)
	}}

	cancel, wg := startWorker(t, Config{Concurrency: 1}, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindSnapshot)

	require.Eventually(t, func() bool {
		return len(lc.startAttempts()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Acked, not nacked: the short visibility timeout would have redelivered
	// an unsettled message by now.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []int{1}, lc.startAttempts())
	require.Zero(t, arch.runCount())
	require.Empty(t, lc.completed())
}

func TestWorkerSummarizeBypassesLifecycle(t *testing.T) {
	t.Parallel()

	q := queuememory.New(queuememory.Config{Capacity: 4, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer q.Close()
	arch := &scriptedArchiver{kind: archive.KindSummarize, fn: func(int) (archive.ArchiveResult, error) {
		return archive.ArchiveResult{Body: []byte("summary"), ContentType: "text/plain", Extension: "txt"}, nil
	}}
	lc := &recordingLifecycle{}

	cancel, wg := startWorker(t, Config{Concurrency: 1}, q, arch, lc)
	defer func() { cancel(); wg.Wait() }()

	enqueue(t, q, archive.KindSummarize)

	require.Eventually(t, func() bool {
		return arch.runCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The summarize artifact has no task row; the lifecycle stays untouched.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, lc.completed())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	w := &Worker{cfg: Config{BackoffInitial: 2 * time.Second, BackoffMax: 10 * time.Second}}
	require.Equal(t, 2*time.Second, w.backoff(1))
	require.Equal(t, 4*time.Second, w.backoff(2))
	require.Equal(t, 8*time.Second, w.backoff(3))
	require.Equal(t, 10*time.Second, w.backoff(4))
	require.Equal(t, 10*time.Second, w.backoff(9))
}
