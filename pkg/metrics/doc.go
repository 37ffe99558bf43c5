// Package metrics defines Prometheus metrics for the audit trail, covering
// record creation, dispatch outcomes, transport health and the local store.
package metrics
