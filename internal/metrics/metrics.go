package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"role"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stop requests (SIGTERM) sent.",
		}, []string{"role"},
	)
	signalsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "signals_sent_total",
			Help:      "Number of signals delivered to tracked processes.",
		}, []string{"role", "signal"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of completed restarts.",
		}, []string{"role"},
	)
	restartTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "restart_timeouts_total",
			Help:      "Number of restarts abandoned because the old process outlived the timeout.",
		}, []string{"role"},
	)
	taskFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "process",
			Name:      "faults_total",
			Help:      "Number of task bodies that ended with an error or panic.",
		}, []string{"role"},
	)
	daemonIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "daemon",
			Name:      "iterations_total",
			Help:      "Number of completed initialize/run/finalize iterations.",
		}, []string{"role"},
	)
	daemonReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "daemon",
			Name:      "reloads_total",
			Help:      "Number of configuration reloads performed.",
		}, []string{"role"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procd",
			Subsystem: "daemon",
			Name:      "state_transitions_total",
			Help:      "Number of daemon state transitions.",
		}, []string{"role", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procd",
			Subsystem: "daemon",
			Name:      "current_state",
			Help:      "Current daemon state (1 = active state, 0 = inactive).",
		}, []string{"role", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, signalsSent, processRestarts, restartTimeouts, taskFaults,
		daemonIterations, daemonReloads, stateTransitions, currentStates,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(role string) {
	if regOK.Load() {
		processStarts.WithLabelValues(role).Inc()
	}
}
func IncStop(role string) {
	if regOK.Load() {
		processStops.WithLabelValues(role).Inc()
	}
}
func IncSignal(role, signal string) {
	if regOK.Load() {
		signalsSent.WithLabelValues(role, signal).Inc()
	}
}
func IncRestart(role string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(role).Inc()
	}
}
func IncRestartTimeout(role string) {
	if regOK.Load() {
		restartTimeouts.WithLabelValues(role).Inc()
	}
}
func IncFault(role string) {
	if regOK.Load() {
		taskFaults.WithLabelValues(role).Inc()
	}
}
func IncIteration(role string) {
	if regOK.Load() {
		daemonIterations.WithLabelValues(role).Inc()
	}
}
func IncReload(role string) {
	if regOK.Load() {
		daemonReloads.WithLabelValues(role).Inc()
	}
}

func RecordStateTransition(role, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(role, from, to).Inc()
	}
}

func SetCurrentState(role, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(role, state).Set(value)
	}
}
