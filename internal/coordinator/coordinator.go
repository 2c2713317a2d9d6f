// Package coordinator owns artifact persistence and the ordered dual-write
// of metadata: blob content first, then the primary store, then an async
// best-effort replica.
package coordinator

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
)

const (
	defaultCompressMin    = 1024
	defaultReplicaTimeout = 10 * time.Second
)

// Config controls artifact placement and compression.
type Config struct {
	// PathPrefix is prepended to every blob path (e.g. "archives").
	PathPrefix string
	// CompressMinBytes is the body size at which artifacts are gzipped
	// before upload. Zero uses the default of 1 KiB.
	CompressMinBytes int
	// ReplicaTimeout bounds each background replica write.
	ReplicaTimeout time.Duration
}

// Coordinator persists artifacts and replicates metadata. The primary store
// is the source of truth; replica failures are logged and never propagated,
// so the replica may lag until reconciled.
type Coordinator struct {
	cfg     Config
	blobs   archive.BlobStore
	primary archive.JobStore
	replica archive.DocStore
	hasher  archive.Hasher
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Coordinator. replica may be nil, which disables
// replication entirely.
func New(
	cfg Config,
	blobs archive.BlobStore,
	primary archive.JobStore,
	replica archive.DocStore,
	hasher archive.Hasher,
	logger *zap.Logger,
) (*Coordinator, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if primary == nil {
		return nil, fmt.Errorf("primary store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CompressMinBytes <= 0 {
		cfg.CompressMinBytes = defaultCompressMin
	}
	if cfg.ReplicaTimeout <= 0 {
		cfg.ReplicaTimeout = defaultReplicaTimeout
	}
	return &Coordinator{
		cfg:     cfg,
		blobs:   blobs,
		primary: primary,
		replica: replica,
		hasher:  hasher,
		logger:  logger.Named("coordinator"),
	}, nil
}

// PutArtifact persists the result body for (jobID, kind) exactly once.
// A retry that finds the idempotency key already bound returns the stored
// ref without touching the blob store again. Otherwise the body is uploaded
// first and the metadata row is registered second, so a crash between the
// two leaves an orphan blob, never a dangling reference.
func (c *Coordinator) PutArtifact(
	ctx context.Context,
	jobID string,
	kind archive.Kind,
	result archive.ArchiveResult,
) (archive.ArtifactRef, error) {
	key := archive.IdempotencyKey(jobID, kind)

	if existing, err := c.primary.GetArtifact(ctx, key); err == nil {
		c.logger.Debug("artifact already stored, skipping upload",
			zap.String("job_id", jobID),
			zap.String("kind", string(kind)),
		)
		return existing, nil
	} else if !errors.Is(err, archive.ErrNotFound) {
		return archive.ArtifactRef{}, fmt.Errorf("artifact lookup: %w", err)
	}

	hash, err := c.hasher.Hash(result.Body)
	if err != nil {
		return archive.ArtifactRef{}, fmt.Errorf("hash artifact body: %w", err)
	}

	body := result.Body
	contentType := result.ContentType
	ext := result.Extension
	compressed := false
	if len(result.Body) >= c.cfg.CompressMinBytes {
		gzipped, err := gzipBytes(result.Body)
		if err != nil {
			return archive.ArtifactRef{}, fmt.Errorf("compress artifact body: %w", err)
		}
		// Keep the raw body when compression does not pay for itself.
		if len(gzipped) < len(result.Body) {
			body = gzipped
			contentType = "application/gzip"
			ext = result.Extension + ".gz"
			compressed = true
		}
	}

	path := c.blobPath(jobID, kind, hash, ext)
	uri, err := c.blobs.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return archive.ArtifactRef{}, fmt.Errorf("%w: upload artifact: %s", archive.ErrStorageUnavailable, err)
	}

	ref := archive.ArtifactRef{
		URI:          uri,
		SizeBytes:    int64(len(body)),
		OriginalSize: int64(len(result.Body)),
		ContentHash:  hash,
		ContentType:  result.ContentType,
		Compressed:   compressed,
	}
	if compressed && len(result.Body) > 0 {
		ref.Ratio = float64(len(body)) / float64(len(result.Body))
	}

	stored, created, err := c.primary.PutArtifact(ctx, key, ref)
	if err != nil {
		return archive.ArtifactRef{}, fmt.Errorf("%w: register artifact: %s", archive.ErrPrimaryWrite, err)
	}
	if !created {
		// A concurrent redelivery won the race; its ref is canonical and
		// this upload becomes an orphan blob.
		c.logger.Info("artifact registration lost race, using stored ref",
			zap.String("job_id", jobID),
			zap.String("kind", string(kind)),
			zap.String("orphan_uri", uri),
		)
	}
	return stored, nil
}

// ReplicateTask copies the task's primary-store row to the replica in the
// background. Failures are logged and dropped.
func (c *Coordinator) ReplicateTask(ctx context.Context, task archive.Task) {
	if c.replica == nil {
		return
	}
	c.spawn(ctx, func(rctx context.Context) {
		if err := c.replica.UpsertTask(rctx, task); err != nil {
			c.logger.Warn("replica task write failed",
				zap.String("task_id", task.ID),
				zap.String("job_id", task.JobID),
				zap.Error(err),
			)
		}
	})
}

// ReplicateJob copies the job's primary-store row to the replica in the
// background. Failures are logged and dropped.
func (c *Coordinator) ReplicateJob(ctx context.Context, job archive.Job) {
	if c.replica == nil {
		return
	}
	c.spawn(ctx, func(rctx context.Context) {
		if err := c.replica.UpsertJob(rctx, job); err != nil {
			c.logger.Warn("replica job write failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	})
}

// ReconcileReplica re-reads a job and its tasks from the primary store and
// force-upserts them into the replica, repairing any writes that were
// dropped while the replica was unavailable.
func (c *Coordinator) ReconcileReplica(ctx context.Context, jobID string) error {
	if c.replica == nil {
		return nil
	}
	job, err := c.primary.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for reconcile: %w", err)
	}
	tasks, err := c.primary.ListTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load tasks for reconcile: %w", err)
	}
	if err := c.replica.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("reconcile job: %w", err)
	}
	for _, task := range tasks {
		if err := c.replica.UpsertTask(ctx, task); err != nil {
			return fmt.Errorf("reconcile task %s: %w", task.ID, err)
		}
	}
	c.logger.Info("replica reconciled",
		zap.String("job_id", jobID),
		zap.Int("tasks", len(tasks)),
	)
	return nil
}

// Wait blocks until all background replica writes have drained.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) spawn(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Detach from the caller so an acked task cannot cancel its own
		// replica write mid-flight.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReplicaTimeout)
		defer cancel()
		fn(rctx)
	}()
}

func (c *Coordinator) blobPath(jobID string, kind archive.Kind, hash, ext string) string {
	name := hash
	if ext != "" {
		name = hash + "." + ext
	}
	if c.cfg.PathPrefix == "" {
		return fmt.Sprintf("%s/%s/%s", jobID, kind, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.cfg.PathPrefix, jobID, kind, name)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
