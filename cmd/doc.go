// Package cmd defines the blog-archiver command line.
//
// Architecture overview:
//   - Worker pool: internal/dispatcher runs a fixed number of internal/worker loops sized by
//     workers.concurrency. Each worker waits on the claim rate limiter, asks the tracker for one item
//     name and drives it through internal/pipeline.
//   - Pipeline: every item walks preparing, fetching, collecting, relocating, uploading, reporting and
//     cleaning_up. The fetch tool and rsync run as child processes through internal/process; uploads
//     share one gate so at most upload.concurrency transfers are in flight across all workers.
//   - Persistence: each state transition is written to the item store (memory, sqlite or postgres).
//     On start the dispatcher resumes items that were relocated but never acknowledged or cleaned up.
//   - Fanout: when pubsub.topic is set a completion event is published after the tracker accepts an item.
//   - Plumbing: Viper populates config from a file and ARCHIVER_* env vars; zap provides structured logging;
//     Prometheus metrics and the item status API are served by internal/api.
//
// Operational notes:
//   - SIGINT/SIGTERM cancel the run context. In-flight items stop at their current state and are picked up
//     by the resume pass on the next start when their container was already relocated.
//   - Per-item retries back off exponentially with jitter; upload, reporting and cleanup failures retry in
//     place, anything earlier restarts from preparing.
//
// Quick checklist:
//   - Configure ARCHIVER_DOWNLOADER and ARCHIVER_TRACKER_URL at minimum.
//   - Run locally: go run . run --config config.yaml
package cmd
