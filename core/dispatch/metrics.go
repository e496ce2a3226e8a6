package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sweepDuration   prometheus.Histogram
	sweepSkipped    prometheus.Counter
	acceptConflicts prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Histogram, prometheus.Counter, prometheus.Counter) {
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_sweep_duration_seconds",
		Help:    "Duration of one expired-wave sweep cycle",
		Buckets: prometheus.DefBuckets,
	})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sweep_claims_skipped_total",
		Help: "Requests skipped because another sweeper held the claim",
	})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_accept_conflicts_total",
		Help: "Acceptance attempts rejected by a state precondition",
	})
	return dur, skipped, conflicts
}

func init() {
	sweepDuration, sweepSkipped, acceptConflicts = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{sweepDuration, sweepSkipped, acceptConflicts} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	sweepDuration, sweepSkipped, acceptConflicts = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
