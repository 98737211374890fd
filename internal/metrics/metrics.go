// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2g_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "c2g_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Polling metrics
	PollsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2g_polls_active",
			Help: "Jobs currently being polled",
		},
	)

	JobFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2g_job_fetches_total",
			Help: "Total job status fetches",
		},
		[]string{"result"}, // "ok" or "error"
	)

	PollOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2g_poll_outcomes_total",
			Help: "Total finished poll loops by result",
		},
		[]string{"result"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "c2g_poll_duration_seconds",
			Help:    "Time from poll start to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// Stream metrics
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2g_websocket_connections",
			Help: "Open thinking-stream websocket connections",
		},
	)

	TrackerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c2g_tracker_events_total",
			Help: "Total events published to clients",
		},
		[]string{"type"},
	)

	DroppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "c2g_tracker_dropped_events_total",
			Help: "Events dropped because a subscriber was too slow",
		},
	)

	// Infrastructure metrics
	UpstreamUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "c2g_upstream_up",
			Help: "1 if the assistant backend answered the last probe",
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "c2g_store_latency_seconds",
			Help:    "SQLite cache operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

// PollObserver feeds poller lifecycle events into the polling collectors.
type PollObserver struct{}

// PollingStarted implements poller.Observer.
func (PollObserver) PollingStarted() {
	PollsActive.Inc()
}

// FetchCompleted implements poller.Observer.
func (PollObserver) FetchCompleted(err error) {
	if err != nil {
		JobFetchesTotal.WithLabelValues("error").Inc()
		return
	}
	JobFetchesTotal.WithLabelValues("ok").Inc()
}

// PollingEnded implements poller.Observer.
func (PollObserver) PollingEnded(result string, _ int, elapsed time.Duration) {
	PollsActive.Dec()
	PollOutcomesTotal.WithLabelValues(result).Inc()
	if result != "canceled" {
		PollDuration.Observe(elapsed.Seconds())
	}
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(start time.Time) {
	StoreLatency.Observe(time.Since(start).Seconds())
}
