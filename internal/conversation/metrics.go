// ABOUTME: Prometheus metrics for agent turns
// ABOUTME: Tracks active turns, outcomes, injections and turn duration

package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"  // engine reported an error result
	outcomeFailed  = "failed" // engine crashed or was interrupted
)

var (
	metricActiveTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coven_relay",
		Name:      "active_turns",
		Help:      "Agent turns currently running.",
	})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coven_relay",
		Name:      "turns_total",
		Help:      "Finished agent turns by outcome.",
	}, []string{"outcome"})

	metricInjections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coven_relay",
		Name:      "injections_total",
		Help:      "Messages injected into a running turn.",
	})

	metricTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coven_relay",
		Name:      "turn_duration_seconds",
		Help:      "Wall-clock duration of agent turns.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)
