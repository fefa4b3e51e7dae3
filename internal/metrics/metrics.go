// Package metrics holds the Prometheus instruments the engine updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's instruments. A nil *Metrics disables
// instrumentation, so every component guards its updates.
type Metrics struct {
	OperationsCreated  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	SchedulerTicks     prometheus.Counter
	SweepErrors        *prometheus.CounterVec
	ExecutionsInFlight prometheus.Gauge
}

// New registers the engine instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "greenroom_operations_created_total",
			Help: "Operations created, by kind.",
		}, []string{"kind"}),
		OperationsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "greenroom_operations_finished_total",
			Help: "Operations that reached a terminal status, by kind and status.",
		}, []string{"kind", "status"}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "greenroom_scheduler_ticks_total",
			Help: "Scheduler tick loop iterations.",
		}),
		SweepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "greenroom_sweep_errors_total",
			Help: "Errors encountered during scheduler sweeps, by sweep.",
		}, []string{"sweep"}),
		ExecutionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "greenroom_executions_in_flight",
			Help: "Operations currently executing on the worker pool.",
		}),
	}
}
