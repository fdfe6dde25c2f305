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

	ruleActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "rules",
			Name:      "activations_total",
			Help:      "Number of successful rule activations against targets.",
		}, []string{"rule"},
	)
	ruleActivationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "rules",
			Name:      "activation_failures_total",
			Help:      "Number of failed rule activations against targets.",
		}, []string{"rule"},
	)
	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recfleet",
			Subsystem: "rules",
			Name:      "active_tasks",
			Help:      "Current scheduled periodic archival tasks.",
		},
	)
	archivesSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "archives",
			Name:      "saved_total",
			Help:      "Number of recordings archived to storage.",
		}, []string{"rule"},
	)
	archiveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "archives",
			Name:      "failures_total",
			Help:      "Number of failed archival attempts.",
		}, []string{"rule", "kind"},
	)
	connectionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Number of target connections dialed.",
		},
	)
	connectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recfleet",
			Subsystem: "connections",
			Name:      "failures_total",
			Help:      "Number of failed target connection attempts by kind.",
		}, []string{"kind"},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recfleet",
			Subsystem: "connections",
			Name:      "open",
			Help:      "Current pooled target connections.",
		},
	)
	discoveredTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recfleet",
			Subsystem: "discovery",
			Name:      "targets",
			Help:      "Current discoverable targets.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		ruleActivations, ruleActivationFailures, activeTasks,
		archivesSaved, archiveFailures,
		connectionsOpened, connectionFailures, openConnections,
		discoveredTargets,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncActivation(rule string) {
	if regOK.Load() {
		ruleActivations.WithLabelValues(rule).Inc()
	}
}
func IncActivationFailure(rule string) {
	if regOK.Load() {
		ruleActivationFailures.WithLabelValues(rule).Inc()
	}
}
func AddActiveTasks(delta int) {
	if regOK.Load() {
		activeTasks.Add(float64(delta))
	}
}
func IncArchiveSaved(rule string) {
	if regOK.Load() {
		archivesSaved.WithLabelValues(rule).Inc()
	}
}
func IncArchiveFailure(rule, kind string) {
	if regOK.Load() {
		archiveFailures.WithLabelValues(rule, kind).Inc()
	}
}
func IncConnectionsOpened() {
	if regOK.Load() {
		connectionsOpened.Inc()
	}
}
func IncConnectionFailure(kind string) {
	if regOK.Load() {
		connectionFailures.WithLabelValues(kind).Inc()
	}
}
func AddOpenConnections(delta int) {
	if regOK.Load() {
		openConnections.Add(float64(delta))
	}
}
func SetDiscoveredTargets(n int) {
	if regOK.Load() {
		discoveredTargets.Set(float64(n))
	}
}
