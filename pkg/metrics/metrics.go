// Package metrics provides Prometheus collectors for the mirror pipeline.
// Metrics are registered automatically and served from the webhook
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts applied events by entity, action and outcome
	// (applied, ignored, noop, failed).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabby_events_processed_total",
		Help: "Change events processed by the ingestion pipeline",
	}, []string{"entity", "action", "outcome"})

	// BufferDepth tracks the number of events waiting in the reorder buffer.
	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabby_buffer_depth",
		Help: "Events currently held in the reorder buffer",
	})

	// ApplyLatency observes time spent applying one event to the mirror.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tabby_apply_duration_seconds",
		Help:    "Time spent applying one change event",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity", "action"})

	// EventDelay observes how long events sat between upstream creation
	// and local application, the skew the reorder buffer compensates for.
	EventDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tabby_event_delay_seconds",
		Help:    "Delay between upstream event creation and local application",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// BulkRowsLoaded counts rows seeded into the mirror per entity.
	BulkRowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabby_bulk_rows_loaded_total",
		Help: "Rows inserted by the bulk loader",
	}, []string{"entity"})

	// BulkLoadFailures counts per-entity bulk load failures by stage.
	BulkLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabby_bulk_load_failures_total",
		Help: "Bulk load failures by entity and stage",
	}, []string{"entity", "stage"})

	// SnapshotsPublished counts snapshot publish attempts by status.
	SnapshotsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabby_snapshots_published_total",
		Help: "Mirror snapshot publish attempts",
	}, []string{"entity", "status"})

	// WebhooksReceived counts inbound webhook deliveries by status.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabby_webhooks_received_total",
		Help: "Inbound webhook deliveries",
	}, []string{"status"})
)
