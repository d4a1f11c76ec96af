/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_api_requests_total",
		Help: "Total HTTP API requests",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blazar_api_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blazar_api_active_connections",
		Help: "In-flight HTTP API requests",
	})

	// ReservationOps counts reservation lifecycle operations by
	// resource type, operation and result.
	ReservationOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_reservation_operations_total",
		Help: "Reservation operations by type, operation and result",
	}, []string{"resource_type", "operation", "result"})

	// MatcherCandidates observes how many resources qualified per match.
	MatcherCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blazar_matcher_candidates",
		Help:    "Qualifying resources per matching pass",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	}, []string{"resource_type"})

	// HealingRuns counts healing passes by resource type and outcome.
	HealingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_healing_runs_total",
		Help: "Healing passes by resource type and outcome",
	}, []string{"resource_type", "outcome"})

	// HealedAllocations counts allocation relocations during healing.
	HealedAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_healed_allocations_total",
		Help: "Allocations moved or flushed during healing",
	}, []string{"resource_type", "action"})

	// ResourceHealth gauges current resource health, 1 healthy 0 failed.
	ResourceHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blazar_resource_health",
		Help: "Resource health as seen by the monitor",
	}, []string{"resource_type", "resource_id"})

	// EventsExecuted counts lease events run by the executor.
	EventsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_lease_events_executed_total",
		Help: "Lease events executed by type and result",
	}, []string{"event_type", "result"})

	// LeaderElectionStatus is 1 while this instance holds leadership.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blazar_leader_election_status",
		Help: "Whether this instance is the leader",
	}, []string{"instance"})

	// LeaderElectionChanges counts leadership transitions.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blazar_leader_election_changes_total",
		Help: "Leadership transitions by instance and direction",
	}, []string{"instance", "change"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
