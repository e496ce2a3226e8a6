// Package events defines the notifications published on the internal bus
// after a business transition commits. Downstream consumers (projection
// rebuilders, billing, delivery layers) subscribe to these; the engine never
// depends on anyone receiving them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// RequestReceived is published when a lesson request is accepted and its
// first wave dispatched.
type RequestReceived struct {
	RequestID uuid.UUID
	StudentID uuid.UUID
	Zone      string
	Time      time.Time
}

// OffersBroadcast is published for every started wave.
type OffersBroadcast struct {
	RequestID   uuid.UUID
	Wave        int
	Instructors []uuid.UUID
	Deadline    time.Time
}

// WaveTimedOut is published when the sweep completes a wave by timeout.
type WaveTimedOut struct {
	RequestID uuid.UUID
	Wave      int
}

// RequestExpired is published on either terminal expiry reason.
type RequestExpired struct {
	RequestID uuid.UUID
	Reason    string
}

// LessonConfirmed is published when an acceptance transaction commits.
type LessonConfirmed struct {
	RequestID    uuid.UUID
	LessonID     uuid.UUID
	InstructorID uuid.UUID
	CarID        uuid.UUID
}

// LiquiditySample is published after each liquidity control cycle.
type LiquiditySample struct {
	Zone          string
	Online        int
	RecentDemand  int
	SuggestedWave int
	DrainRisk     float64
	Time          time.Time
}
