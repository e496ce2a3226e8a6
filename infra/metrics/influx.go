package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/driveline/driveline/core/logger"
	coremetrics "github.com/driveline/driveline/core/metrics"
	infralogger "github.com/driveline/driveline/infra/logger"
)

// InfluxSink writes dispatch and liquidity samples to InfluxDB using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and degrades to a
// NopSink when the health check fails, so a missing time-series backend
// never blocks dispatching.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordWave implements the sink contract.
func (s *InfluxSink) RecordWave(r coremetrics.WaveRecord) error {
	p := write.NewPointWithMeasurement("dispatch_wave").
		AddTag("zone", r.Zone).
		AddTag("request_id", r.RequestID).
		AddField("wave", r.Wave).
		AddField("offers_sent", r.OffersSent).
		SetTime(r.Time)
	return s.write(p)
}

// RecordMatch implements the sink contract.
func (s *InfluxSink) RecordMatch(r coremetrics.MatchRecord) error {
	p := write.NewPointWithMeasurement("dispatch_match").
		AddTag("zone", r.Zone).
		AddTag("request_id", r.RequestID).
		AddTag("instructor_id", r.InstructorID).
		AddField("wave", r.Wave).
		SetTime(r.Time)
	return s.write(p)
}

// RecordExpiry implements the sink contract.
func (s *InfluxSink) RecordExpiry(r coremetrics.ExpiryRecord) error {
	p := write.NewPointWithMeasurement("dispatch_expiry").
		AddTag("reason", r.Reason).
		AddTag("request_id", r.RequestID).
		AddField("waves", r.Waves).
		SetTime(r.Time)
	return s.write(p)
}

// RecordLiquidity implements the sink contract.
func (s *InfluxSink) RecordLiquidity(r coremetrics.LiquidityRecord) error {
	p := write.NewPointWithMeasurement("liquidity_sample").
		AddTag("zone", r.Zone).
		AddField("online", r.Online).
		AddField("busy", r.Busy).
		AddField("available", r.Available).
		AddField("recent_demand", r.RecentDemand).
		AddField("pressure", r.Pressure).
		AddField("mean_pressure", r.MeanPressure).
		AddField("raw_wave", r.RawWave).
		AddField("smoothed", r.Smoothed).
		AddField("suggested_wave", r.SuggestedWave).
		AddField("supply_ratio", r.SupplyRatio).
		AddField("drain_risk", r.DrainRisk).
		SetTime(r.Time)
	return s.write(p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }
