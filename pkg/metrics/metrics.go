// Package metrics exposes runtime counters over Prometheus. Collection is
// optional: a nil *Runtime is a valid no-op receiver, so call sites never
// guard on the enable_performance_metrics toggle themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime holds the runtime's Prometheus instruments.
type Runtime struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	liveMachines       *prometheus.GaugeVec
	degradedMachines   *prometheus.GaugeVec
	mailboxRejections  *prometheus.CounterVec
	archivedMachines   *prometheus.CounterVec
	rehydrations       *prometheus.CounterVec
}

// NewRuntime registers the runtime instruments with the given registerer.
// Pass prometheus.DefaultRegisterer outside tests.
func NewRuntime(reg prometheus.Registerer) *Runtime {
	factory := promauto.With(reg)
	return &Runtime{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statemachine",
			Name:      "transitions_total",
			Help:      "Processed transitions, including stay actions.",
		}, []string{"registry", "machine_type", "state_after"}),
		transitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statemachine",
			Name:      "transition_duration_seconds",
			Help:      "Wall time of one event cycle, handlers and persist included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"registry", "machine_type"}),
		liveMachines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statemachine",
			Name:      "live_machines",
			Help:      "Machines currently resident in the registry directory.",
		}, []string{"registry"}),
		degradedMachines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statemachine",
			Name:      "degraded_machines",
			Help:      "Machines refusing events after persistence exhaustion.",
		}, []string{"registry"}),
		mailboxRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statemachine",
			Name:      "mailbox_rejections_total",
			Help:      "Events rejected with overloaded because a mailbox was full.",
		}, []string{"registry"}),
		archivedMachines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statemachine",
			Name:      "archived_machines_total",
			Help:      "Completed machines moved to the history database.",
		}, []string{"registry"}),
		rehydrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statemachine",
			Name:      "rehydrations_total",
			Help:      "Machines restored from active storage on event receipt.",
		}, []string{"registry"}),
	}
}

// ObserveTransition records one processed event.
func (r *Runtime) ObserveTransition(registry, machineType, stateAfter string, seconds float64) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(registry, machineType, stateAfter).Inc()
	r.transitionDuration.WithLabelValues(registry, machineType).Observe(seconds)
}

// SetLiveMachines sets the resident machine gauge.
func (r *Runtime) SetLiveMachines(registry string, n int) {
	if r == nil {
		return
	}
	r.liveMachines.WithLabelValues(registry).Set(float64(n))
}

// SetDegradedMachines sets the degraded machine gauge.
func (r *Runtime) SetDegradedMachines(registry string, n int) {
	if r == nil {
		return
	}
	r.degradedMachines.WithLabelValues(registry).Set(float64(n))
}

// IncMailboxRejection counts one overloaded send.
func (r *Runtime) IncMailboxRejection(registry string) {
	if r == nil {
		return
	}
	r.mailboxRejections.WithLabelValues(registry).Inc()
}

// IncArchived counts one completed machine handed to history.
func (r *Runtime) IncArchived(registry string) {
	if r == nil {
		return
	}
	r.archivedMachines.WithLabelValues(registry).Inc()
}

// IncRehydration counts one restore from active storage.
func (r *Runtime) IncRehydration(registry string) {
	if r == nil {
		return
	}
	r.rehydrations.WithLabelValues(registry).Inc()
}
