// Package metrics provides the Prometheus and InfluxDB sink implementations
// plus the fan-out helper combining them.
package metrics

import (
	coremetrics "github.com/driveline/driveline/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records dispatch and liquidity facts as Prometheus metrics.
type PromSink struct {
	waves       *prometheus.CounterVec
	offers      *prometheus.CounterVec
	matches     *prometheus.CounterVec
	expirations *prometheus.CounterVec
	suggested   *prometheus.GaugeVec
	drainRisk   *prometheus.GaugeVec
	online      *prometheus.GaugeVec
}

// NewPromSink registers the sink metrics on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		waves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_waves_started_total",
			Help: "Number of offer waves started",
		}, []string{"zone"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offers_sent_total",
			Help: "Number of lesson offers broadcast",
		}, []string{"zone"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_matches_total",
			Help: "Number of confirmed lessons",
		}, []string{"zone"}),
		expirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_expirations_total",
			Help: "Number of terminally expired lesson requests",
		}, []string{"reason"}),
		suggested: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidity_suggested_wave_size",
			Help: "Smoothed wave size suggestion per zone",
		}, []string{"zone"}),
		drainRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidity_drain_risk",
			Help: "Supply drain risk per zone",
		}, []string{"zone"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidity_online_instructors",
			Help: "Online instructors per zone",
		}, []string{"zone"}),
	}
	for _, c := range []prometheus.Collector{
		s.waves, s.offers, s.matches, s.expirations, s.suggested, s.drainRisk, s.online,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return s, nil
}

// RecordWave implements the sink contract.
func (s *PromSink) RecordWave(r coremetrics.WaveRecord) error {
	s.waves.WithLabelValues(r.Zone).Inc()
	s.offers.WithLabelValues(r.Zone).Add(float64(r.OffersSent))
	return nil
}

// RecordMatch implements the sink contract.
func (s *PromSink) RecordMatch(r coremetrics.MatchRecord) error {
	s.matches.WithLabelValues(r.Zone).Inc()
	return nil
}

// RecordExpiry implements the sink contract.
func (s *PromSink) RecordExpiry(r coremetrics.ExpiryRecord) error {
	s.expirations.WithLabelValues(r.Reason).Inc()
	return nil
}

// RecordLiquidity implements the sink contract.
func (s *PromSink) RecordLiquidity(r coremetrics.LiquidityRecord) error {
	s.suggested.WithLabelValues(r.Zone).Set(float64(r.SuggestedWave))
	s.drainRisk.WithLabelValues(r.Zone).Set(r.DrainRisk)
	s.online.WithLabelValues(r.Zone).Set(float64(r.Online))
	return nil
}
