// Package main hosts the archivist service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job endpoints. A submission names a URL and the
//     archiver kinds to run; it is validated, persisted as one job with one task per kind, and fanned out to
//     per-kind queues before the 202 response returns the job ID.
//   - Queues & workers: each archiver kind drains its own bounded in-memory queue with visibility-timeout leases.
//     Worker pools classify failures into retryable (exponential backoff against an attempt budget) and fatal
//     (failed immediately); an exhausted budget abandons the task. Delivery is at-least-once and every downstream
//     write is idempotent, so redeliveries settle cleanly.
//   - Archivers: snapshot and readability fetch over plain HTTP via Colly; monolith, pdf, and screenshot render
//     through a shared Chromedp browser with a tab-level semaphore. A successful readability artifact triggers a
//     single summarize follow-on task, deduplicated by an idempotency claim.
//   - Persistence: artifact bodies go to the configured BlobStore (memory/local/GCS) first, then metadata lands in
//     the primary job store (memory or Postgres); a best-effort in-memory replica is written asynchronously and can
//     be repaired on demand via the reconcile endpoint. Caller-facing status reads come from a TTL-bounded status
//     cache with primary-store fallback during fan-in.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; progress
//     events batch through a hub into Prometheus and log sinks; job lifecycle notifications optionally publish to
//     Pub/Sub topics.
//
// Operational notes:
//   - Shutdown is coordinated by context cancellation: the HTTP server drains first, then workers stop, queues
//     close, and background replica writes are awaited before exit.
//   - The visibility timeout must exceed the slowest archiver run for its kind or completed work will be
//     redelivered; per-kind worker settings (workers.pdf etc.) exist for exactly this tuning.
//   - Run locally: go run ./cmd/archivist -config config.yaml (or rely solely on ARCHIVIST_* env overrides).
package main
