// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline via prometheus/client_golang, replacing the observer
// service's hand-rolled exposition-format renderer: the ecosystem
// client already owns correctness of the wire format, collector
// registration, and the HTTP handler: there's nothing left to rebuild.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the ingestion pipeline touches.
// Field names mirror the pipeline stage they instrument.
type Metrics struct {
	MessagesConsumed  *prometheus.CounterVec
	MessagesStored    prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesPoisoned  *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	RetriesPublished  prometheus.Counter
	DLQDeliveries     prometheus.Counter
	DLQReplayed       prometheus.Counter
	DLQParked         prometheus.Counter
	NonceReplays      prometheus.Counter
	CircuitOpen       *prometheus.GaugeVec
	ProcessingSeconds prometheus.Histogram
	RawStoreBytes     prometheus.Histogram
}

// New registers every collector against reg and returns the bundle.
// Callers typically pass prometheus.NewRegistry() per process, or
// prometheus.DefaultRegisterer to expose on the default /metrics path.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xrayiot_ingest_messages_consumed_total",
			Help: "Deliveries consumed from the primary queue, by outcome.",
		}, []string{"outcome"}),
		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_messages_stored_total",
			Help: "ProcessedSignal records successfully inserted.",
		}),
		MessagesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_messages_duplicate_total",
			Help: "Deliveries recognized as duplicates by idempotency key.",
		}),
		MessagesPoisoned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xrayiot_ingest_messages_poisoned_total",
			Help: "Deliveries dropped without retry or DLQ hand-off, such as ones with missing headers.",
		}, []string{"reason"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xrayiot_ingest_auth_failures_total",
			Help: "HMAC verification failures, by reason.",
		}, []string{"reason"}),
		RetriesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_retries_published_total",
			Help: "Messages republished to the retry exchange.",
		}),
		DLQDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_dlq_deliveries_total",
			Help: "Messages routed to the dead-letter queue.",
		}),
		DLQReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_dlq_replayed_total",
			Help: "DLQ messages republished by the replayer.",
		}),
		DLQParked: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_dlq_parked_total",
			Help: "DLQ messages left in place after a failed replay attempt.",
		}),
		NonceReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "xrayiot_ingest_nonce_replays_total",
			Help: "Deliveries whose nonce had already been claimed.",
		}),
		CircuitOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xrayiot_ingest_circuit_open",
			Help: "1 when the named circuit breaker is open, 0 otherwise.",
		}, []string{"name"}),
		ProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xrayiot_ingest_processing_seconds",
			Help:    "End-to-end HandleMessage latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RawStoreBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xrayiot_ingest_rawstore_bytes",
			Help:    "Compressed blob size written to RawStore.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
}
