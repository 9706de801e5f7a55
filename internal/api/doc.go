// Package api hosts the optional status server and its middleware. Routes:
//   - GET /healthz and /readyz for probes; readyz runs the configured
//     dependency checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists the catalog source IDs.
//   - GET /v1/runs and /v1/runs/{run_id} report run progress through the
//     store.RunRepository interface.
package api
