package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_received_total",
			Help: "Events accepted by the API, by ingestion path",
		},
		[]string{"path"}, // "queued", "direct"
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_events_rejected_total",
			Help: "Events rejected by validation",
		},
	)

	// Worker flushes
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_flush_duration_seconds",
			Help:    "Duration of one batch insert",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_flush_batch_size",
			Help:    "Rows written per flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	FlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_flush_errors_total",
			Help: "Failed flushes; the batch is kept for the next attempt",
		},
	)

	BufferedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_buffered_events",
			Help: "Events waiting in the flush buffer",
		},
	)

	DeviceRegistrationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_device_registration_failures_total",
			Help: "Device upserts that failed; the event or session was kept",
		},
	)

	// Queue
	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_queue_messages_total",
			Help: "Stream messages by outcome",
		},
		[]string{"outcome"}, // "enqueued", "acked", "requeued", "dead_lettered", "reclaimed"
	)

	// Realtime
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_live_subscribers",
			Help: "Connected live dashboard subscribers",
		},
	)

	ActiveIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_active_identities",
			Help: "Identities seen inside the recency window",
		},
	)

	// Cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"}, // result: "hit", "stale", "miss"
	)

	// API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_health_check_status",
			Help: "0 healthy, 1 degraded, 2 unhealthy",
		},
		[]string{"check"},
	)
)

// RecordFlush records one flush attempt.
func RecordFlush(rows int, duration time.Duration, err error) {
	FlushDuration.Observe(duration.Seconds())
	if err != nil {
		FlushErrors.Inc()
		return
	}
	FlushBatchSize.Observe(float64(rows))
}

func RecordQueue(outcome string) {
	QueueMessages.WithLabelValues(outcome).Inc()
}

func RecordCache(cache, result string) {
	CacheLookups.WithLabelValues(cache, result).Inc()
}

func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
