package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record lifecycle
	AuditRecordsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_records_created_total",
		Help: "Total number of audit records built, by action",
	}, []string{"action"})
	AuditPendingDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_pending_discarded_total",
		Help: "Total number of scheduled create records dropped before dispatch",
	}, []string{"reason"})
	// Dispatch outcomes. result is one of delivered, fallback, failed, cancelled.
	AuditDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_dispatches_total",
		Help: "Total number of audit record dispatches by flush phase and result",
	}, []string{"phase", "result"})
	AuditFallbackDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_fallback_deliveries_total",
		Help: "Total number of records delivered through the fallback after the named transport failed",
	}, []string{"transport"})

	// Transport metrics
	AuditTransportLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_transport_latency_seconds",
		Help:    "Time taken to deliver one audit record, by transport",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"transport"})
	AuditTransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_transport_errors_total",
		Help: "Total number of transport delivery errors by error type",
	}, []string{"transport", "error_type"})
	AuditTransportConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_transport_connected",
		Help: "Whether the transport backend is reachable (1) or not (0)",
	}, []string{"transport"})
	AuditQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Number of audit records waiting in the async delivery queue",
	}, []string{"transport"})
	AuditQueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_queue_dropped_total",
		Help: "Total number of audit records dropped by the async queue",
	}, []string{"transport", "reason"})
	// Circuit breaker state: 0=closed, 1=open, 2=half-open
	AuditCircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_circuit_breaker_state",
		Help: "Circuit breaker state per transport (0=closed, 1=open, 2=half-open)",
	}, []string{"transport"})
	AuditCircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_circuit_breaker_rejections_total",
		Help: "Total number of sends rejected by an open circuit",
	}, []string{"transport"})

	// Local store
	AuditStoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_store_operations_total",
		Help: "Total number of audit store operations by operation and result",
	}, []string{"operation", "result"})
	AuditVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_verifications_total",
		Help: "Total number of stored records checked for integrity, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(AuditRecordsCreated)
	prometheus.MustRegister(AuditPendingDiscarded)
	prometheus.MustRegister(AuditDispatches)
	prometheus.MustRegister(AuditFallbackDeliveries)
	prometheus.MustRegister(AuditTransportLatency)
	prometheus.MustRegister(AuditTransportErrors)
	prometheus.MustRegister(AuditTransportConnected)
	prometheus.MustRegister(AuditQueueDepth)
	prometheus.MustRegister(AuditQueueDropped)
	prometheus.MustRegister(AuditCircuitBreakerState)
	prometheus.MustRegister(AuditCircuitBreakerRejections)
	prometheus.MustRegister(AuditStoreOperations)
	prometheus.MustRegister(AuditVerifications)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
