// Package telemetry registers the controller's Prometheus collectors. This
// is additive to the JSON /metrics endpoint spec.md §6 defines; it exposes
// the same kind of counters in Prometheus exposition format for scraping.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var LeaderElectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestry",
		Subsystem: "cluster",
		Name:      "leader_elections_total",
		Help:      "Total number of times this node became cluster leader.",
	},
)

var LeaseRenewalsLostTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestry",
		Subsystem: "cluster",
		Name:      "lease_renewals_lost_total",
		Help:      "Total number of leadership lease renewals that failed or lost the lease.",
	},
)

var ScalingActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestry",
		Subsystem: "autoscaler",
		Name:      "scaling_actions_total",
		Help:      "Total number of scaling actions taken, by direction.",
	},
	[]string{"app", "direction"},
)

var HealthTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestry",
		Subsystem: "health",
		Name:      "transitions_total",
		Help:      "Total number of health status transitions, by new state.",
	},
	[]string{"app", "state"},
)

var ProxyPublishFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestry",
		Subsystem: "proxy",
		Name:      "publish_failures_total",
		Help:      "Total number of failed upstream publish attempts, by app.",
	},
	[]string{"app"},
)

var ControlLoopDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "orchestry",
		Subsystem: "controlloop",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single control loop tick.",
		Buckets:   prometheus.DefBuckets,
	},
)

// All returns every Orchestry collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LeaderElectionsTotal,
		LeaseRenewalsLostTotal,
		ScalingActionsTotal,
		HealthTransitionsTotal,
		ProxyPublishFailuresTotal,
		ControlLoopDuration,
	}
}
