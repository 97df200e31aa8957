// Package metrics provides Prometheus instrumentation for the matchmaking
// core: gauges for queue and session size, counters for match/wait/publish
// throughput, and a histogram for match latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize is the gauge for the number of users enrolled across all
	// interest queues, including the wildcard queue. It is registered but
	// nothing in this module sets it, so it reports 0.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_queue_size",
		Help: "Current number of users enrolled across all interest queues",
	})

	// ActiveSessions is the gauge for the number of live chat sessions. It
	// is registered but nothing in this module sets it, so it reports 0.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_active_sessions",
		Help: "Current number of live chat sessions",
	})

	// MatchDuration records the time spent inside one findOrQueue call.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchcore_match_duration_seconds",
		Help:    "Time spent inside one findOrQueue call",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
	})

	// MatchesTotal counts findOrQueue calls that returned Matched.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_matches_total",
		Help: "Total number of findOrQueue calls that returned Matched",
	})

	// WaitingTotal counts findOrQueue calls that returned Waiting.
	WaitingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_waiting_total",
		Help: "Total number of findOrQueue calls that returned Waiting",
	})

	// NotificationsPublishedTotal counts successful bus publishes to a
	// waiter's channel.
	NotificationsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_notifications_published_total",
		Help: "Total number of notification bus publishes to a matched waiter",
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		MatchDuration,
		MatchesTotal,
		WaitingTotal,
		NotificationsPublishedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
