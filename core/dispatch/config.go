package dispatch

import "fmt"

// Config defines the dispatch engine settings.
type Config struct {
	// WaveSize is the number of instructors offered per wave when the
	// liquidity suggestion is disabled or unavailable.
	WaveSize int `json:"wave_size"`
	// MaxWaves bounds how many waves a request may go through before it
	// expires with no_instructor_accepted.
	MaxWaves int `json:"max_waves"`
	// WaveTimeoutSeconds is how long each wave stays open.
	WaveTimeoutSeconds int `json:"wave_timeout_seconds"`
	// MaxActiveOffersPerInstructor caps concurrent outstanding offers.
	MaxActiveOffersPerInstructor int `json:"max_active_offers_per_instructor"`
	// SweepIntervalSeconds is the period of the expired-wave sweep.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	// StatsWindowHours is the trailing window for the fairness counters.
	StatsWindowHours int `json:"stats_window_hours"`
	// UseSuggestedWaveSize lets the liquidity loop drive the wave size.
	UseSuggestedWaveSize bool `json:"use_suggested_wave_size"`
	// LessonFee is the flat fee recorded on the payment identity when a
	// lesson is confirmed.
	LessonFee float64 `json:"lesson_fee"`
	// FeeCurrency is the ISO currency code of the flat fee.
	FeeCurrency string `json:"fee_currency"`
}

// SetDefaults fills unset fields with the standard deployment values.
func (c *Config) SetDefaults() {
	if c.WaveSize == 0 {
		c.WaveSize = 3
	}
	if c.MaxWaves == 0 {
		c.MaxWaves = 3
	}
	if c.WaveTimeoutSeconds == 0 {
		c.WaveTimeoutSeconds = 300
	}
	if c.MaxActiveOffersPerInstructor == 0 {
		c.MaxActiveOffersPerInstructor = 3
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 5
	}
	if c.StatsWindowHours == 0 {
		c.StatsWindowHours = 24
	}
	if c.LessonFee == 0 {
		c.LessonFee = 45
	}
	if c.FeeCurrency == "" {
		c.FeeCurrency = "EUR"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.WaveSize < 1 {
		return fmt.Errorf("wave_size must be >= 1, got %d", c.WaveSize)
	}
	if c.MaxWaves < 1 {
		return fmt.Errorf("max_waves must be >= 1, got %d", c.MaxWaves)
	}
	if c.WaveTimeoutSeconds < 1 {
		return fmt.Errorf("wave_timeout_seconds must be >= 1, got %d", c.WaveTimeoutSeconds)
	}
	if c.MaxActiveOffersPerInstructor < 1 {
		return fmt.Errorf("max_active_offers_per_instructor must be >= 1, got %d", c.MaxActiveOffersPerInstructor)
	}
	if c.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be >= 1, got %d", c.SweepIntervalSeconds)
	}
	return nil
}
