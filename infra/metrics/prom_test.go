package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/driveline/driveline/core/metrics"
)

func TestPromSinkRecordsWave(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("new prom sink: %v", err)
	}
	if err := sink.RecordWave(coremetrics.WaveRecord{Zone: "centrum", Wave: 1, OffersSent: 3}); err != nil {
		t.Fatalf("record wave: %v", err)
	}
	if err := sink.RecordWave(coremetrics.WaveRecord{Zone: "centrum", Wave: 2, OffersSent: 2}); err != nil {
		t.Fatalf("record wave: %v", err)
	}

	expected := `
		# HELP dispatch_waves_started_total Number of offer waves started
		# TYPE dispatch_waves_started_total counter
		dispatch_waves_started_total{zone="centrum"} 2
	`
	if err := testutil.CollectAndCompare(sink.waves, strings.NewReader(expected)); err != nil {
		t.Fatalf("waves counter mismatch: %v", err)
	}
	if v := testutil.ToFloat64(sink.offers.WithLabelValues("centrum")); v != 5 {
		t.Fatalf("offers counter = %v, want 5", v)
	}
}

func TestPromSinkRecordsMatchAndExpiry(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("new prom sink: %v", err)
	}
	if err := sink.RecordMatch(coremetrics.MatchRecord{Zone: "noord"}); err != nil {
		t.Fatalf("record match: %v", err)
	}
	if err := sink.RecordExpiry(coremetrics.ExpiryRecord{Reason: "no_available_instructors"}); err != nil {
		t.Fatalf("record expiry: %v", err)
	}
	if v := testutil.ToFloat64(sink.matches.WithLabelValues("noord")); v != 1 {
		t.Fatalf("matches counter = %v", v)
	}
	if v := testutil.ToFloat64(sink.expirations.WithLabelValues("no_available_instructors")); v != 1 {
		t.Fatalf("expirations counter = %v", v)
	}
}

func TestPromSinkRecordsLiquidityGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("new prom sink: %v", err)
	}
	rec := coremetrics.LiquidityRecord{Zone: "centrum", Online: 4, SuggestedWave: 2, DrainRisk: 0.25}
	if err := sink.RecordLiquidity(rec); err != nil {
		t.Fatalf("record liquidity: %v", err)
	}
	if v := testutil.ToFloat64(sink.suggested.WithLabelValues("centrum")); v != 2 {
		t.Fatalf("suggested gauge = %v", v)
	}
	if v := testutil.ToFloat64(sink.drainRisk.WithLabelValues("centrum")); v != 0.25 {
		t.Fatalf("drain risk gauge = %v", v)
	}
	if v := testutil.ToFloat64(sink.online.WithLabelValues("centrum")); v != 4 {
		t.Fatalf("online gauge = %v", v)
	}
}

func TestPromSinkDoubleRegisterIsTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := NewPromSinkWithRegistry(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

type countingSink struct {
	waves, matches, expiries, samples int
}

func (c *countingSink) RecordWave(coremetrics.WaveRecord) error   { c.waves++; return nil }
func (c *countingSink) RecordMatch(coremetrics.MatchRecord) error { c.matches++; return nil }
func (c *countingSink) RecordExpiry(coremetrics.ExpiryRecord) error {
	c.expiries++
	return nil
}
func (c *countingSink) RecordLiquidity(coremetrics.LiquidityRecord) error {
	c.samples++
	return nil
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{}
	m := NewMultiSink(a, b)
	if err := m.RecordWave(coremetrics.WaveRecord{}); err != nil {
		t.Fatalf("record wave: %v", err)
	}
	if err := m.RecordLiquidity(coremetrics.LiquidityRecord{}); err != nil {
		t.Fatalf("record liquidity: %v", err)
	}
	if a.waves != 1 || b.waves != 1 || a.samples != 1 || b.samples != 1 {
		t.Fatalf("fan out incomplete: %+v %+v", a, b)
	}
}
