package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DronesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_drones_total",
			Help: "Registered drones by kind and status",
		},
		[]string{"kind", "status"},
	)

	DronesGrounded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_drones_grounded",
			Help: "Drones currently inside a grounding cooldown",
		},
	)

	FleetCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_fleet_cores",
			Help: "Total cores reported by online drones",
		},
	)

	// Queue metrics
	QueueItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_queue_items",
			Help: "Queue items by status",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_sessions_active",
			Help: "Build sessions currently open",
		},
	)

	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_builds_total",
			Help: "Completed build reports by outcome",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_build_duration_seconds",
			Help:    "Reported build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)

	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_assignments_total",
			Help: "Packages handed to drones",
		},
	)

	StaleCompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_stale_completions_total",
			Help: "Completion reports discarded as stale",
		},
	)

	// Healing metrics
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_escalations_total",
			Help: "Self-healing escalation actions by level",
		},
		[]string{"level"},
	)

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_deploys_total",
			Help: "Payload deploy attempts by outcome",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_api_requests_total",
			Help: "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(DronesTotal)
	prometheus.MustRegister(DronesGrounded)
	prometheus.MustRegister(FleetCores)
	prometheus.MustRegister(QueueItems)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(StaleCompletionsTotal)
	prometheus.MustRegister(EscalationsTotal)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
