// Package postgres provides the Postgres-backed primary metadata store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/htbase/archivist/internal/archive"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the Postgres source-of-truth for jobs, tasks, artifacts, and
// idempotency keys. All conditional writes are single statements so
// concurrent completions race safely at the database.
type Store struct {
	pool dbPool
}

// NewStore connects a pool from cfg and returns a Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	kinds      TEXT[] NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	ord        INT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	attempts   INT NOT NULL DEFAULT 0,
	artifact   JSONB,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS tasks_job_id_idx ON tasks (job_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
	key TEXT PRIMARY KEY,
	ref JSONB NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// CreateJob persists the job and its tasks in one transaction.
func (s *Store) CreateJob(ctx context.Context, job archive.Job, tasks []archive.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, url, kinds, status, created_at) VALUES ($1,$2,$3,$4,$5)`,
		job.ID, job.URL, kindStrings(job.Kinds), string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for i, t := range tasks {
		_, err = tx.Exec(ctx,
			`INSERT INTO tasks (id, job_id, ord, kind, status, attempts, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, t.JobID, i, string(t.Kind), string(t.Status), t.Attempts, t.LastError, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// DeleteJob removes the job; tasks go with it via the cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// GetJob fetches a job and its task IDs.
func (s *Store) GetJob(ctx context.Context, jobID string) (archive.Job, error) {
	var (
		job   archive.Job
		kinds []string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, kinds, status, created_at FROM jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.URL, &kinds, (*string)(&job.Status), &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("select job: %w", err)
	}
	for _, k := range kinds {
		job.Kinds = append(job.Kinds, archive.Kind(k))
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM tasks WHERE job_id = $1 ORDER BY ord`, jobID)
	if err != nil {
		return archive.Job{}, fmt.Errorf("select job task ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return archive.Job{}, fmt.Errorf("scan task id: %w", err)
		}
		job.TaskIDs = append(job.TaskIDs, id)
	}
	if err := rows.Err(); err != nil {
		return archive.Job{}, fmt.Errorf("iterate task ids: %w", err)
	}
	return job, nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (archive.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, job_id, kind, status, attempts, artifact, last_error, updated_at
FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Task{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks for a job in creation order.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]archive.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, kind, status, attempts, artifact, last_error, updated_at
FROM tasks WHERE job_id = $1 ORDER BY ord`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var out []archive.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// MarkTaskRunning records an execution attempt. Terminal rows are untouched
// so a late redelivery cannot resurrect a settled task.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string, attempt int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, attempts = GREATEST(attempts, $3), updated_at = now()
WHERE id = $1 AND status IN ('queued','running')`,
		taskID, string(archive.TaskStatusRunning), attempt,
	)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.rowExists(ctx, `SELECT 1 FROM tasks WHERE id = $1`, taskID)
}

// CompleteTask applies a terminal task state at most once. The conditional
// WHERE makes the first completion win; any later write affects zero rows.
func (s *Store) CompleteTask(
	ctx context.Context,
	taskID string,
	status archive.TaskStatus,
	artifact *archive.ArtifactRef,
	errText string,
) (bool, error) {
	artifactJSON, err := marshalArtifact(artifact)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, artifact = $3, last_error = $4, updated_at = now()
WHERE id = $1 AND status IN ('queued','running')`,
		taskID, string(status), artifactJSON, errText,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.rowExists(ctx, `SELECT 1 FROM tasks WHERE id = $1`, taskID)
}

// FinishJob conditionally applies a terminal job status.
func (s *Store) FinishJob(ctx context.Context, jobID string, status archive.JobStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1 AND status IN ('pending','running')`,
		jobID, string(status),
	)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.rowExists(ctx, `SELECT 1 FROM jobs WHERE id = $1`, jobID)
}

// PutArtifact stores ref under key if absent. On conflict the existing ref
// is read back and returned, so concurrent writers converge on one value.
func (s *Store) PutArtifact(ctx context.Context, key string, ref archive.ArtifactRef) (archive.ArtifactRef, bool, error) {
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return archive.ArtifactRef{}, false, fmt.Errorf("marshal artifact ref: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (key, ref) VALUES ($1,$2) ON CONFLICT (key) DO NOTHING`,
		key, refJSON,
	)
	if err != nil {
		return archive.ArtifactRef{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ref, true, nil
	}
	existing, err := s.GetArtifact(ctx, key)
	if err != nil {
		return archive.ArtifactRef{}, false, err
	}
	return existing, false, nil
}

// GetArtifact returns the artifact stored under key.
func (s *Store) GetArtifact(ctx context.Context, key string) (archive.ArtifactRef, error) {
	var refJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT ref FROM artifacts WHERE key = $1`, key).Scan(&refJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.ArtifactRef{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.ArtifactRef{}, fmt.Errorf("select artifact: %w", err)
	}
	var ref archive.ArtifactRef
	if err := json.Unmarshal(refJSON, &ref); err != nil {
		return archive.ArtifactRef{}, fmt.Errorf("unmarshal artifact ref: %w", err)
	}
	return ref, nil
}

// ClaimKey registers an idempotency key if absent.
func (s *Store) ClaimKey(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("claim key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseKey drops a claim so a later caller may retry.
func (s *Store) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *Store) rowExists(ctx context.Context, query, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (archive.Task, error) {
	var (
		task         archive.Task
		artifactJSON []byte
	)
	err := row.Scan(
		&task.ID, &task.JobID, (*string)(&task.Kind), (*string)(&task.Status),
		&task.Attempts, &artifactJSON, &task.LastError, &task.UpdatedAt,
	)
	if err != nil {
		return archive.Task{}, err
	}
	if len(artifactJSON) > 0 {
		var ref archive.ArtifactRef
		if err := json.Unmarshal(artifactJSON, &ref); err != nil {
			return archive.Task{}, fmt.Errorf("unmarshal artifact ref: %w", err)
		}
		task.Artifact = &ref
	}
	return task, nil
}

func kindStrings(kinds []archive.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func marshalArtifact(ref *archive.ArtifactRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact ref: %w", err)
	}
	return b, nil
}
