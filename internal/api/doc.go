// Package api hosts the HTTP server, middleware, and read-only REST handlers
// for operator access while a crawl runs. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/state for location/category progress from the state file.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/tasks for run
//     history via the RunRepository interface.
package api
