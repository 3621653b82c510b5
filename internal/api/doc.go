// Package api hosts the operator HTTP interface of the collection service.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/resume-points, /v1/failed-tasks and /v1/runs for inspecting and
//     driving collection state.
//   - GET /v1/middleware/stats for request middleware counters.
package api
