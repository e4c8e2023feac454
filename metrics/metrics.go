// Package metrics exposes Prometheus counters for the engine.
//
// A nil *Recorder is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	Allocations *prometheus.CounterVec // mode, outcome
	Transitions *prometheus.CounterVec // to, outcome
	Routing     *prometheus.CounterVec // outcome
	SLAFlagged  prometheus.Counter
	SLACleared  prometheus.Counter
	SLASweeps   *prometheus.CounterVec // outcome
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "allocations_total",
			Help:      "Allocation attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "allocation_transitions_total",
			Help:      "Allocation status transitions by target status and outcome.",
		}, []string{"to", "outcome"}),
		Routing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "complaint_routing_total",
			Help:      "Complaint routing decisions by outcome.",
		}, []string{"outcome"}),
		SLAFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "sla_flagged_total",
			Help:      "Requests flagged as breaching the SLA window.",
		}),
		SLACleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "sla_cleared_total",
			Help:      "SLA flags cleared after the request was resolved.",
		}),
		SLASweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relief",
			Name:      "sla_sweeps_total",
			Help:      "SLA sweeps by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(r.Allocations, r.Transitions, r.Routing, r.SLAFlagged, r.SLACleared, r.SLASweeps)
	}
	return r
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) Allocation(mode string, err error) {
	if r == nil {
		return
	}
	r.Allocations.WithLabelValues(mode, outcome(err)).Inc()
}

func (r *Recorder) Transition(to string, err error) {
	if r == nil {
		return
	}
	r.Transitions.WithLabelValues(to, outcome(err)).Inc()
}

// Route records "assigned", "unmatched" or "error".
func (r *Recorder) Route(result string) {
	if r == nil {
		return
	}
	r.Routing.WithLabelValues(result).Inc()
}

func (r *Recorder) Sweep(flagged, cleared int, err error) {
	if r == nil {
		return
	}
	r.SLASweeps.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	r.SLAFlagged.Add(float64(flagged))
	r.SLACleared.Add(float64(cleared))
}
