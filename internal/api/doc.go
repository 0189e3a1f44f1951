// Package api hosts the HTTP server, middleware, and REST handlers for
// submitting crawls and reading their results. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to submit a target.
//   - GET /v1/crawls/{job_id} to read the stored record.
package api
