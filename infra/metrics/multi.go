package metrics

import coremetrics "github.com/driveline/driveline/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordWave forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordWave(r coremetrics.WaveRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordWave(r); err != nil {
			return err
		}
	}
	return nil
}

// RecordMatch forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordMatch(r coremetrics.MatchRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordMatch(r); err != nil {
			return err
		}
	}
	return nil
}

// RecordExpiry forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordExpiry(r coremetrics.ExpiryRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordExpiry(r); err != nil {
			return err
		}
	}
	return nil
}

// RecordLiquidity forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordLiquidity(r coremetrics.LiquidityRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordLiquidity(r); err != nil {
			return err
		}
	}
	return nil
}
