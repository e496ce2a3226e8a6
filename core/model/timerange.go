package model

import (
	"fmt"
	"time"
)

// TimeRange is a half-open interval [Start, End) used for lesson slots.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate ensures the range is well formed.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range requires start and end")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("time range end %s not after start %s", r.End, r.Start)
	}
	return nil
}

// Overlaps reports whether two half-open ranges intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// Duration returns End-Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
