// Package api hosts the HTTP server, middleware, and REST handlers over the
// orchestration service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls and /v1/analyses to start jobs.
//   - GET /v1/jobs, /v1/jobs/{job_id} and /v1/jobs/{job_id}/metrics for
//     job history and status.
//   - POST /v1/jobs/{job_id}/cancel, which is idempotent.
//   - GET /v1/system/status for analysis slot usage.
package api
