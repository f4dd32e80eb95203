package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the query API
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Rental workflow metrics
var (
	// RentalsTotal counts finished workflows by outcome
	RentalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchbot_rentals_total",
			Help: "Total number of rental workflows by marketplace and outcome",
		},
		[]string{"marketplace", "outcome"},
	)

	// BootDuration tracks time from rent to ready
	BootDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchbot_boot_duration_seconds",
			Help:    "Time from rental creation until the instance reports ready",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8), // 5s to ~10min
		},
		[]string{"marketplace"},
	)

	// SSHLatency tracks the measured connection latency
	SSHLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchbot_ssh_latency_seconds",
			Help:    "SSH connection latency to rented instances",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"marketplace"},
	)

	// PhaseFailures counts workflow phases that recorded an error
	PhaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchbot_phase_failures_total",
			Help: "Total number of workflow phase failures by marketplace and phase",
		},
		[]string{"marketplace", "phase"},
	)

	// TerminateFailures counts failed terminate calls; each may be a leaked instance
	TerminateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchbot_terminate_failures_total",
			Help: "Total number of failed instance terminations by marketplace",
		},
		[]string{"marketplace"},
	)

	// ProviderAPIErrors counts API errors by marketplace and operation
	ProviderAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchbot_provider_api_errors_total",
			Help: "Total number of marketplace API errors by marketplace and operation",
		},
		[]string{"marketplace", "operation"},
	)

	// SessionPersistFailures counts records a sink failed to store
	SessionPersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchbot_session_persist_failures_total",
			Help: "Total number of rental session records a sink failed to persist",
		},
		[]string{"sink"},
	)
)

// RecordRental increments the finished-workflow counter
func RecordRental(marketplace, outcome string) {
	RentalsTotal.WithLabelValues(marketplace, outcome).Inc()
}

// RecordBootDuration records how long an instance took to boot
func RecordBootDuration(marketplace string, d time.Duration) {
	BootDuration.WithLabelValues(marketplace).Observe(d.Seconds())
}

// RecordSSHLatency records a measured SSH latency
func RecordSSHLatency(marketplace string, d time.Duration) {
	SSHLatency.WithLabelValues(marketplace).Observe(d.Seconds())
}

// RecordPhaseFailure increments the phase failure counter
func RecordPhaseFailure(marketplace, phase string) {
	PhaseFailures.WithLabelValues(marketplace, phase).Inc()
}

// RecordTerminateFailure increments the terminate failure counter
func RecordTerminateFailure(marketplace string) {
	TerminateFailures.WithLabelValues(marketplace).Inc()
}

// RecordProviderAPIError increments the provider API error counter
func RecordProviderAPIError(marketplace, operation string) {
	ProviderAPIErrors.WithLabelValues(marketplace, operation).Inc()
}

// RecordPersistFailure increments the persist failure counter
func RecordPersistFailure(sink string) {
	SessionPersistFailures.WithLabelValues(sink).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
