// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline. Collectors are registered on the default registry; serve
// them with promhttp alongside the host process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnqueuedTotal counts rows written to the durable queue.
	EnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_enqueued_total",
			Help: "Total number of events enqueued to the durable queue",
		},
		[]string{"pipeline"},
	)

	// EnqueueDuration observes the durable enqueue transaction latency.
	EnqueueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventline_enqueue_duration_seconds",
			Help:    "Durable enqueue latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"pipeline"},
	)

	// DeliveredTotal counts deliveries handed to consumers.
	DeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_delivered_total",
			Help: "Total number of deliveries handed to consumers",
		},
		[]string{"pipeline"},
	)

	// AckSuccessTotal counts successfully acknowledged deliveries.
	AckSuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_ack_success_total",
			Help: "Total number of successful acknowledgments",
		},
		[]string{"pipeline"},
	)

	// AckFailureTotal counts failed acknowledgments.
	AckFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_ack_failure_total",
			Help: "Total number of failed acknowledgments",
		},
		[]string{"pipeline"},
	)

	// DeadLetterTotal counts rows promoted to the dead-letter state.
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_dead_letter_total",
			Help: "Total number of events promoted to dead letter",
		},
		[]string{"pipeline"},
	)

	// RevertedTotal counts in-flight rows reverted by drains.
	RevertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventline_reverted_total",
			Help: "Total number of in-flight deliveries reverted on drain",
		},
		[]string{"pipeline"},
	)

	// DroppedTotal counts events discarded by the drop validation mode.
	DroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventline_dropped_total",
			Help: "Total number of events dropped by validation policy",
		},
	)

	// FallbackTotal counts events that took the best-effort broadcast
	// path because the durable enqueue failed.
	FallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventline_fallback_broadcast_total",
			Help: "Total number of events published via fallback broadcast",
		},
	)
)
