// Package api hosts the worker's status server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/items for the most recently updated item records.
//   - GET /v1/items/{item_name} for one item's record.
package api
