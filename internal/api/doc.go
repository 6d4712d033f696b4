// Package api hosts the operator HTTP interface. Notable routes:
//   - GET /healthz and /readyz for health checks; readyz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/stats, GET /v1/jobs/{job_id}, POST /v1/jobs/{job_id}/reset
//     to inspect and revive crawl jobs.
//   - POST /v1/discover and POST /v1/runs to enqueue index pages and start a
//     background drain.
//   - POST /v1/match to resolve a location to a station.
package api
