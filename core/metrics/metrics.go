// Package metrics defines the observability sink contract the engine and
// the liquidity loop record into. Implementations live in infra/metrics.
package metrics

import "time"

// Config defines observability settings.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// WaveRecord describes one started offer wave.
type WaveRecord struct {
	RequestID  string
	Zone       string
	Wave       int
	OffersSent int
	Time       time.Time
}

// MatchRecord describes one confirmed lesson.
type MatchRecord struct {
	RequestID    string
	Zone         string
	LessonID     string
	InstructorID string
	CarID        string
	Wave         int
	Time         time.Time
}

// ExpiryRecord describes one terminally expired request.
type ExpiryRecord struct {
	RequestID string
	Reason    string
	Waves     int
	Time      time.Time
}

// LiquidityRecord is one per-zone control-loop sample.
type LiquidityRecord struct {
	Zone          string
	Online        int
	Busy          int
	Available     int
	RecentDemand  int
	Pressure      float64
	MeanPressure  float64
	RawWave       int
	Smoothed      float64
	SuggestedWave int
	SupplyRatio   float64
	DrainRisk     float64
	Time          time.Time
}

// Sink records dispatch and liquidity facts for observability purposes.
type Sink interface {
	RecordWave(WaveRecord) error
	RecordMatch(MatchRecord) error
	RecordExpiry(ExpiryRecord) error
	RecordLiquidity(LiquidityRecord) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordWave(WaveRecord) error           { return nil }
func (NopSink) RecordMatch(MatchRecord) error         { return nil }
func (NopSink) RecordExpiry(ExpiryRecord) error       { return nil }
func (NopSink) RecordLiquidity(LiquidityRecord) error { return nil }
