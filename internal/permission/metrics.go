// ABOUTME: Prometheus counters for permission outcomes

package permission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAllowed       = "allowed"
	outcomeAlways        = "always"
	outcomeDenied        = "denied"
	outcomeTimeout       = "timeout"
	outcomeCancelled     = "cancelled"
	outcomeUndeliverable = "undeliverable"
	outcomeAuto          = "auto"
)

var metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "coven_relay",
	Name:      "permission_decisions_total",
	Help:      "Tool permission requests by how they were settled.",
}, []string{"outcome"})

func recordDecision(outcome string) {
	metricDecisions.WithLabelValues(outcome).Inc()
}
