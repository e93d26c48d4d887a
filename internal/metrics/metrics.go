// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkersActive tracks workers currently registered, by state.
	WorkersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "foreman_workers_active",
		Help: "Workers currently registered, by state",
	}, []string{"state"})

	// SpawnAttemptsTotal counts individual launch-candidate attempts.
	SpawnAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_spawn_attempts_total",
		Help: "Launch candidate attempts, by candidate name and outcome",
	}, []string{"launcher", "outcome"})

	// CreateTotal counts Create calls by outcome.
	CreateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_worker_create_total",
		Help: "Worker create calls, by outcome",
	}, []string{"outcome"})

	// RequestDuration observes host-to-worker request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foreman_worker_request_duration_seconds",
		Help:    "Latency of host-to-worker requests, by route and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "outcome"})

	// WorkerExitsTotal counts finalized workers by final state.
	WorkerExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_worker_exits_total",
		Help: "Finalized workers, by final state",
	}, []string{"state"})
)
