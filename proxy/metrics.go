package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the lifecycle state machine and the TCP
// front, grounded on the teacher's metrics.go (package-level promauto vars,
// `_total`/`_seconds` naming).
var (
	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxytainer_state_transitions_total",
			Help: "Total lifecycle state transitions, by origin and destination state.",
		},
		[]string{"from", "to"},
	)

	pollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxytainer_poll_cycles_total",
			Help: "Total reconciliation poll cycles run by the lifecycle manager.",
		},
	)

	pollPeriodSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxytainer_poll_period_seconds",
			Help: "Current inter-poll wait, in seconds.",
		},
	)

	runtimeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxytainer_runtime_calls_total",
			Help: "Total container runtime calls, by operation and result.",
		},
		[]string{"op", "result"},
	)

	idleStopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxytainer_idle_stops_total",
			Help: "Total times the group was stopped due to idle timeout.",
		},
	)

	curfewStopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxytainer_curfew_stops_total",
			Help: "Total times the group was stopped by the curfew scheduler.",
		},
	)

	pendingRepliesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxytainer_pending_replies",
			Help: "Current number of Require() callers awaiting Running.",
		},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxytainer_connections_total",
			Help: "Total inbound TCP connections, by outcome.",
		},
		[]string{"result"},
	)

	connectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxytainer_connection_duration_seconds",
			Help:    "Duration a proxied TCP connection stayed open.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordTransition bumps the state-transition counter. Distinguishing idle
// vs. curfew stops is the caller's job (RecordIdleStop/RecordCurfewStop);
// this counter only tracks raw transitions.
func RecordTransition(from, to ContainerState) {
	stateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordPollCycle bumps the poll-cycle counter.
func RecordPollCycle() {
	pollCyclesTotal.Inc()
}

// RecordPollPeriod publishes the current poll period as a gauge.
func RecordPollPeriod(d time.Duration) {
	pollPeriodSeconds.Set(d.Seconds())
}

// RecordRuntimeCall bumps the per-operation runtime call counter.
func RecordRuntimeCall(op string, success bool) {
	result := "error"
	if success {
		result = "success"
	}
	runtimeCallsTotal.WithLabelValues(op, result).Inc()
}

// RecordIdleStop bumps the idle-stop counter.
func RecordIdleStop() {
	idleStopsTotal.Inc()
}

// RecordCurfewStop bumps the curfew-stop counter.
func RecordCurfewStop() {
	curfewStopsTotal.Inc()
}

// RecordPendingReplies publishes the current pending-waiter count.
func RecordPendingReplies(n int) {
	pendingRepliesGauge.Set(float64(n))
}

// RecordConnection bumps the connection counter and duration histogram.
func RecordConnection(result string, duration time.Duration) {
	connectionsTotal.WithLabelValues(result).Inc()
	connectionDuration.Observe(duration.Seconds())
}
