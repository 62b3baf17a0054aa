package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wagate_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_sends_total",
			Help: "Total send operations by mode and outcome",
		},
		[]string{"mode", "outcome"}, // mode: "single" or "bulk"; outcome: "ok" or an error kind
	)

	SendAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wagate_send_attempts",
			Help:    "Transport attempts per send",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"mode"},
	)

	BulkJobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wagate_bulk_jobs_total",
			Help: "Total bulk jobs started",
		},
	)

	// Connection metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wagate_connection_state",
			Help: "Current connection supervisor state (see supervisor.State)",
		},
	)

	Reinitializations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagate_reinitializations_total",
			Help: "Transport re-initializations by trigger",
		},
		[]string{"reason"},
	)

	PairingArtifacts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wagate_pairing_artifacts_total",
			Help: "Pairing artifacts rendered",
		},
	)

	// Resource metrics
	ResidentMemory = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wagate_resident_memory_bytes",
			Help: "Resident set size at the last memory sample",
		},
	)

	MemoryReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wagate_memory_reclaims_total",
			Help: "Forced memory reclamation requests",
		},
	)
)
