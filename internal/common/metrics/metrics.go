package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_ingested_total",
			Help: "Total number of provider lifecycle events received",
		},
		[]string{"event_type", "result"},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_verifications_total",
			Help: "Total number of license verification requests",
		},
		[]string{"outcome"},
	)

	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_gate_decisions_total",
			Help: "Total number of per-request access gate decisions",
		},
		[]string{"decision"},
	)

	GateLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "access_gate_lookup_duration_seconds",
			Help: "Duration of entitlement lookups performed by the gate",
		},
		[]string{"decision"},
	)

	ClientCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_entitlement_cache_requests_total",
			Help: "Client entitlement cache requests by result",
		},
		[]string{"result"},
	)
)
