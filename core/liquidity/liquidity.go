// Package liquidity implements the pressure control loop. Each cycle folds
// presence and demand from the ledger, derives a per-zone pressure signal,
// and smooths it into an advisory wave size the dispatch engine may consult
// in place of its fixed default.
package liquidity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/driveline/driveline/core/events"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/logger"
	coremetrics "github.com/driveline/driveline/core/metrics"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
	"github.com/driveline/driveline/internal/eventbus"
)

// Config defines the control loop parameters.
type Config struct {
	IntervalSeconds     int     `json:"interval_seconds"`
	Alpha               float64 `json:"alpha"`
	DemandWindowSeconds int     `json:"demand_window_seconds"`
	HistorySize         int     `json:"history_size"`
	MinWave             int     `json:"min_wave"`
	MaxWave             int     `json:"max_wave"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 30
	}
	if c.Alpha == 0 {
		c.Alpha = 0.3
	}
	if c.DemandWindowSeconds == 0 {
		c.DemandWindowSeconds = 300
	}
	if c.HistorySize == 0 {
		c.HistorySize = 32
	}
	if c.MinWave == 0 {
		c.MinWave = 1
	}
	if c.MaxWave == 0 {
		c.MaxWave = 5
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.IntervalSeconds < 1 {
		return fmt.Errorf("interval_seconds must be >= 1")
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0,1]")
	}
	if c.DemandWindowSeconds < 1 {
		return fmt.Errorf("demand_window_seconds must be >= 1")
	}
	if c.MinWave < 1 || c.MaxWave < c.MinWave {
		return fmt.Errorf("wave bounds invalid: [%d,%d]", c.MinWave, c.MaxWave)
	}
	return nil
}

// Sample is the advisory output of one cycle for one zone.
type Sample struct {
	Zone          string    `json:"zone"`
	Online        int       `json:"online"`
	Busy          int       `json:"busy"`
	Available     int       `json:"available"`
	RecentDemand  int       `json:"recent_demand"`
	Pressure      float64   `json:"pressure"`
	MeanPressure  float64   `json:"mean_pressure"`
	RawWave       int       `json:"raw_wave"`
	Smoothed      float64   `json:"smoothed"`
	SuggestedWave int       `json:"suggested_wave"`
	SupplyRatio   float64   `json:"supply_ratio"`
	DrainRisk     float64   `json:"drain_risk"`
	Time          time.Time `json:"time"`
}

type zoneState struct {
	smoothed float64
	primed   bool
	history  []float64
	sample   Sample
}

// Controller runs the per-zone pressure computation and holds the latest
// samples for advisory reads.
type Controller struct {
	store ledger.Store
	cfg   Config
	log   logger.Logger
	bus   eventbus.EventBus
	sink  coremetrics.Sink
	clock func() time.Time

	mu    sync.RWMutex
	zones map[string]*zoneState
}

// NewController builds a controller. sink, bus and log may be nil.
func NewController(store ledger.Store, cfg Config, sink coremetrics.Sink, bus eventbus.EventBus, log logger.Logger) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("liquidity: nil store provided to NewController")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("liquidity config: %w", err)
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Controller{
		store: store,
		cfg:   cfg,
		log:   log,
		bus:   bus,
		sink:  sink,
		clock: time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (c *Controller) SetClock(clock func() time.Time) { c.clock = clock }

// Interval returns the configured cycle period.
func (c *Controller) Interval() time.Duration {
	return time.Duration(c.cfg.IntervalSeconds) * time.Second
}

// SuggestedWaveSize returns the latest advisory wave size for a zone. The
// second return is false until the zone has been sampled at least once.
func (c *Controller) SuggestedWaveSize(zone string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.zones[zone]
	if !ok || !st.primed {
		return 0, false
	}
	return st.sample.SuggestedWave, true
}

// Samples returns the latest sample of every tracked zone, ordered by zone.
func (c *Controller) Samples() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, 0, len(c.zones))
	for _, st := range c.zones {
		if st.primed {
			out = append(out, st.sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// Recompute runs one control cycle over every zone with online supply,
// recent demand, or a prior sample. Advisory only: nothing here appends to
// the ledger.
func (c *Controller) Recompute(ctx context.Context) error {
	now := c.clock()
	window := time.Duration(c.cfg.DemandWindowSeconds) * time.Second

	var (
		online map[string][]bool
		busy   map[string]int
		demand map[string]int
	)
	err := c.store.WithinTx(ctx, func(tx ledger.Tx) error {
		presence, err := tx.EventsOfTypes(time.Time{}, model.EventInstructorOnline, model.EventInstructorOffline)
		if err != nil {
			return err
		}
		requested, err := tx.EventsOfTypes(now.Add(-window), model.EventLessonRequested)
		if err != nil {
			return err
		}
		requestEvents, err := tx.EventsOfTypes(time.Time{},
			model.EventLessonRequested, model.EventDispatchStarted, model.EventOfferSent,
			model.EventWaveCompleted, model.EventRequestExpired, model.EventLessonConfirmed)
		if err != nil {
			return err
		}

		outstanding := projection.ActiveOffers(projection.FoldRequests(requestEvents), now)
		online = make(map[string][]bool)
		busy = make(map[string]int)
		for instructor, zone := range projection.OnlineInstructors(presence) {
			engaged := outstanding[instructor] > 0
			online[zone] = append(online[zone], engaged)
			if engaged {
				busy[zone]++
			}
		}
		demand = projection.ZoneDemand(requested, now, window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("liquidity fold: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zones == nil {
		c.zones = make(map[string]*zoneState)
	}
	for zone := range online {
		if _, ok := c.zones[zone]; !ok {
			c.zones[zone] = &zoneState{}
		}
	}
	for zone := range demand {
		if _, ok := c.zones[zone]; !ok {
			c.zones[zone] = &zoneState{}
		}
	}

	for zone, st := range c.zones {
		sample := c.step(st, zone, len(online[zone]), busy[zone], demand[zone], now)
		st.sample = sample
		st.primed = true

		if err := c.sink.RecordLiquidity(coremetrics.LiquidityRecord{
			Zone:          sample.Zone,
			Online:        sample.Online,
			Busy:          sample.Busy,
			Available:     sample.Available,
			RecentDemand:  sample.RecentDemand,
			Pressure:      sample.Pressure,
			MeanPressure:  sample.MeanPressure,
			RawWave:       sample.RawWave,
			Smoothed:      sample.Smoothed,
			SuggestedWave: sample.SuggestedWave,
			SupplyRatio:   sample.SupplyRatio,
			DrainRisk:     sample.DrainRisk,
			Time:          sample.Time,
		}); err != nil {
			c.log.Errorf("record liquidity sample zone=%s: %v", zone, err)
		}
		if c.bus != nil {
			c.bus.Publish(events.LiquiditySample{
				Zone:          sample.Zone,
				Online:        sample.Online,
				RecentDemand:  sample.RecentDemand,
				SuggestedWave: sample.SuggestedWave,
				DrainRisk:     sample.DrainRisk,
				Time:          sample.Time,
			})
		}
		c.log.Debugw("liquidity cycle", map[string]interface{}{
			"zone":      zone,
			"online":    sample.Online,
			"recent":    sample.RecentDemand,
			"suggested": sample.SuggestedWave,
			"drain":     sample.DrainRisk,
		})
	}
	return nil
}

// step advances one zone's smoothing state and produces its sample.
func (c *Controller) step(st *zoneState, zone string, online, busy, recent int, now time.Time) Sample {
	pressure := float64(recent) / math.Max(float64(online), 1)

	raw := int(math.Ceil(pressure * 2))
	if raw < c.cfg.MinWave {
		raw = c.cfg.MinWave
	}
	if raw > c.cfg.MaxWave {
		raw = c.cfg.MaxWave
	}

	prev := st.smoothed
	if !st.primed {
		prev = 1
	}
	smoothed := prev*(1-c.cfg.Alpha) + float64(raw)*c.cfg.Alpha
	// One cycle may never swing the smoothed value by more than one step.
	if smoothed > prev+1 {
		smoothed = prev + 1
	}
	if smoothed < prev-1 {
		smoothed = prev - 1
	}
	st.smoothed = smoothed

	st.history = append(st.history, pressure)
	if len(st.history) > c.cfg.HistorySize {
		st.history = st.history[len(st.history)-c.cfg.HistorySize:]
	}

	available := online - busy
	if available < 0 {
		available = 0
	}
	supplyRatio := 0.0
	if online > 0 {
		supplyRatio = float64(available) / float64(online)
	}

	return Sample{
		Zone:          zone,
		Online:        online,
		Busy:          busy,
		Available:     available,
		RecentDemand:  recent,
		Pressure:      pressure,
		MeanPressure:  stat.Mean(st.history, nil),
		RawWave:       raw,
		Smoothed:      smoothed,
		SuggestedWave: int(math.Round(smoothed)),
		SupplyRatio:   supplyRatio,
		DrainRisk:     1 - supplyRatio,
		Time:          now,
	}
}
