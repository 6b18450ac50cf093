package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "assignments_total", Help: "Total successful driver assignments"})
	ClaimConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "claim_conflicts_total", Help: "Claims lost to a concurrent winner"})
	NoDriverTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "no_driver_available_total", Help: "Auto-assign attempts that found no candidate"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_available", Help: "Drivers currently available"})
	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "realtime_sessions", Help: "Open realtime sessions"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "events_published_total", Help: "Realtime events delivered, by event name"},
		[]string{"event"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "status_transitions_total", Help: "Order status transitions applied"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
