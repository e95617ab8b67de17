// Package metrics provides Prometheus instrumentation for the pairing
// service. It exposes gauges for connection and room counts, counters for
// matching outcomes and message throughput, and a histogram for search
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active two-party rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchesTotal counts successfully formed pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairline_matches_total",
		Help: "Total number of successfully formed pairings",
	})

	// MatchFailuresTotal counts pairing attempts that failed preconditions
	// (target unavailable, gone, or self-referencing).
	MatchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairline_match_failures_total",
		Help: "Total number of failed pairing attempts",
	})

	// SkipsTotal counts skip-partner requests.
	SkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairline_skips_total",
		Help: "Total number of partner skips",
	})

	// MessagesTotal counts relayed chat payloads, labeled by outcome:
	// "relayed" or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_messages_total",
		Help: "Total number of chat payloads processed",
	}, []string{"outcome"})

	// SearchOutcomes counts find-partner requests, labeled by outcome:
	// "candidate" or "none".
	SearchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_search_outcomes_total",
		Help: "Total number of partner searches by outcome",
	}, []string{"outcome"})

	// MatchSearchSeconds observes the duration of the candidate scan.
	MatchSearchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_match_search_seconds",
		Help:    "Duration of partner candidate searches",
		Buckets: prometheus.ExponentialBuckets(0.000001, 10, 8),
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MatchesTotal,
		MatchFailuresTotal,
		SkipsTotal,
		MessagesTotal,
		SearchOutcomes,
		MatchSearchSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
