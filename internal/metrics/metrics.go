package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	projectsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_projects_active",
			Help: "Projects currently tracked by the relay.",
		},
	)

	projectsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_projects_finished_total",
			Help: "Projects that reached a terminal outcome (completed/error/cancelled/timeout).",
		},
		[]string{"outcome"},
	)

	projectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_project_duration_seconds",
			Help:    "Time from project creation to terminal event.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	eventsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Normalized events published to SSE subscribers, by type.",
		},
		[]string{"type"},
	)

	syntheticCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_synthetic_completions_total",
			Help: "Job completions synthesized because the vendor event never arrived.",
		},
		[]string{"reason"},
	)

	sseConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_sse_connections",
			Help: "Open SSE connections by stream kind (project/client).",
		},
		[]string{"kind"},
	)

	vendorAuthRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendor_auth_retries_total",
			Help: "Suspected vendor auth failures by probe outcome.",
		},
		[]string{"outcome"},
	)

	vendorConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vendor_connections_total",
			Help: "Authenticated vendor connections established.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			projectsActive, projectsFinished, projectDuration,
			eventsRelayed, syntheticCompletions, sseConnections,
			vendorAuthRetries, vendorConnections,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Relay helpers --------

func ProjectStarted() {
	projectsActive.Inc()
}

func ProjectFinished(outcome string, seconds float64) {
	projectsActive.Dec()
	projectsFinished.WithLabelValues(norm(outcome)).Inc()
	projectDuration.WithLabelValues(norm(outcome)).Observe(seconds)
}

func EventRelayed(eventType string) {
	eventsRelayed.WithLabelValues(eventType).Inc()
}

func SSEOpened(kind string) {
	sseConnections.WithLabelValues(norm(kind)).Inc()
}

func SSEClosed(kind string) {
	sseConnections.WithLabelValues(norm(kind)).Dec()
}

// -------- Reconciler helpers --------

func SyntheticCompletion(reason string) {
	syntheticCompletions.WithLabelValues(norm(reason)).Inc()
}

// -------- Vendor helpers --------

func AuthRetry(outcome string) {
	vendorAuthRetries.WithLabelValues(norm(outcome)).Inc()
}

func VendorConnected() {
	vendorConnections.Inc()
}
