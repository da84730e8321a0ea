// Package api hosts the status server for operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/inventory for the saved-file index built from manifests.
//   - GET /v1/attempts?dataset=&limit= for recent download attempts from the
//     ledger.
package api
