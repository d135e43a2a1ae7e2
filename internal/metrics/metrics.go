// Package metrics provides Prometheus metrics for the orchestrator service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeploysTotal counts deploy attempts by outcome.
	DeploysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "deploys_total",
			Help:      "Total number of deploy attempts by outcome",
		},
		[]string{"outcome"}, // "running", "failed", "invalid"
	)

	// TeardownsTotal counts teardown attempts by outcome.
	TeardownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "teardowns_total",
			Help:      "Total number of teardown attempts by outcome",
		},
		[]string{"outcome"}, // "deleted", "incomplete", "not_found"
	)

	// DeployDuration tracks end-to-end provisioning duration.
	DeployDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "deploy_duration_seconds",
			Help:      "Deploy duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// AgentsByState tracks the number of agents in each lifecycle state.
	AgentsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "agents",
			Help:      "Number of agents by lifecycle state",
		},
		[]string{"state"},
	)

	// RoutesPublished tracks the current route table size.
	RoutesPublished = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "routes_published",
			Help:      "Number of published routes",
		},
	)

	// ReconcileCycles counts completed reconcile passes.
	ReconcileCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "reconcile_cycles_total",
			Help:      "Total number of completed reconcile passes",
		},
	)

	// ReconcileTransitions counts state transitions applied by the reconciler.
	ReconcileTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "reconcile_transitions_total",
			Help:      "State transitions applied by the reconciler",
		},
		[]string{"to"},
	)

	// EventStreamConnections tracks open lifecycle event streams.
	EventStreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "event_stream_connections",
			Help:      "Number of open agent event stream connections",
		},
	)

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks API request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "snapclaw",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
