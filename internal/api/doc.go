// Package api hosts the HTTP status server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run and /v1/sessions for the live run state.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/items for run
//     history via the LedgerRepository interface.
package api
