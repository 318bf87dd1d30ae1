// ABOUTME: Prometheus metrics for the Matrix bridge

package matrix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coven_relay",
		Subsystem: "matrix",
		Name:      "sync_retries_total",
		Help:      "Failed Matrix sync attempts that were retried.",
	})

	metricProgressDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coven_relay",
		Subsystem: "matrix",
		Name:      "progress_dropped_total",
		Help:      "Tool progress notices skipped by the per-room rate limit.",
	})
)
