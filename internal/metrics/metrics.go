// Package metrics defines the Prometheus metrics ControlAPI exposes
// at GET /metrics as package-level promauto gauges and counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProjectsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synapse_projects_by_status",
		Help: "Number of projects currently in each lifecycle status.",
	}, []string{"status"})

	WorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synapse_workers_by_status",
		Help: "Number of dedicated workers currently in each lifecycle status.",
	}, []string{"status"})

	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_tasks_started_total",
		Help: "Total number of tasks created across all projects.",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_tasks_completed_total",
		Help: "Total number of tasks that reached a terminal state, by reason.",
	}, []string{"reason"})

	SandboxCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synapse_sandbox_create_duration_seconds",
		Help:    "Duration of sandbox creation, from Docker create through gateway health.",
		Buckets: prometheus.DefBuckets,
	})

	SandboxCreateErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_sandbox_create_errors_total",
		Help: "Total number of sandbox creation failures, by stage.",
	}, []string{"stage"})

	ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synapse_worker_provision_duration_seconds",
		Help:    "Duration from Provision() call to worker reporting ready.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synapse_worker_heartbeats_total",
		Help: "Total number of worker heartbeats accepted.",
	})

	GatewayRelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synapse_gateway_relay_connections",
		Help: "Number of currently open operator chat relay connections.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_controlapi_requests_total",
		Help: "Total number of ControlAPI HTTP requests, by route and status class.",
	}, []string{"route", "status"})
)
