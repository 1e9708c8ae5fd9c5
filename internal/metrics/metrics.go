// Package metrics exposes the engine's Prometheus series: Broker
// Gateway call latency, Cycle Scheduler run duration, and exit-ladder
// trigger counts. Package-level CounterVec/Histogram/Gauge values are
// registered once via prometheus.MustRegister in init(), with small
// Inc/Observe helper functions so callers never touch the prometheus
// API directly. Served by the status-api's embedding process at
// /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BrokerCallDuration tracks how long each Broker Gateway call took,
	// labeled by operation and whether it ultimately succeeded.
	BrokerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadengine_broker_call_duration_seconds",
			Help:    "Duration of Broker Gateway calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "ok"},
	)

	// CycleDuration tracks how long one full Cycle Scheduler run took,
	// labeled by cycle type (trade|monitor|orphan_cleanup).
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spreadengine_cycle_duration_seconds",
			Help:    "Duration of one Cycle Scheduler run in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cycle"},
	)

	// ExitTriggers counts every non-NONE ladder verdict the Monitor
	// Cycle has seen, labeled by trigger name.
	ExitTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadengine_exit_triggers_total",
			Help: "Count of exit ladder triggers by rule.",
		},
		[]string{"trigger"},
	)

	// OpenTrades reports the open trade count observed at the end of
	// each Monitor Cycle run.
	OpenTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spreadengine_open_trades",
			Help: "Number of trades currently OPEN.",
		},
	)

	// CycleFailures counts cycle runs whose job returned an error,
	// labeled by cycle type.
	CycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadengine_cycle_failures_total",
			Help: "Count of Cycle Scheduler runs aborted before completion.",
		},
		[]string{"cycle"},
	)
)

func init() {
	prometheus.MustRegister(BrokerCallDuration, CycleDuration, ExitTriggers, OpenTrades, CycleFailures)
}

// ObserveBrokerCall records one Broker Gateway call's duration.
func ObserveBrokerCall(op string, ok bool, seconds float64) {
	BrokerCallDuration.WithLabelValues(op, boolLabel(ok)).Observe(seconds)
}

// ObserveCycle records one Cycle Scheduler run's duration.
func ObserveCycle(cycle string, seconds float64) {
	CycleDuration.WithLabelValues(cycle).Observe(seconds)
}

// IncExitTrigger increments the counter for a fired ladder trigger.
func IncExitTrigger(trigger string) {
	ExitTriggers.WithLabelValues(trigger).Inc()
}

// SetOpenTrades sets the current open trade count gauge.
func SetOpenTrades(n int) {
	OpenTrades.Set(float64(n))
}

// IncCycleFailure increments the abort counter for cycle.
func IncCycleFailure(cycle string) {
	CycleFailures.WithLabelValues(cycle).Inc()
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
