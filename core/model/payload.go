package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the typed content of an event. Exactly one concrete variant
// exists per event type, with a single JSON contract used by every store.
type Payload interface {
	EventType() EventType
}

// LessonRequested opens a lesson_request and carries the desired slot.
type LessonRequested struct {
	StudentID uuid.UUID `json:"student_id"`
	Slot      TimeRange `json:"slot"`
	Zone      string    `json:"zone,omitempty"`
}

func (LessonRequested) EventType() EventType { return EventLessonRequested }

// DispatchStarted marks the beginning of an offer wave.
type DispatchStarted struct {
	Wave      int       `json:"wave"`
	ExpiresAt time.Time `json:"expires_at"`
	WaveSize  int       `json:"wave_size"`
}

func (DispatchStarted) EventType() EventType { return EventDispatchStarted }

// OfferSent records one offer broadcast during a wave. The instructor is
// stored as an indexed attribute on the event itself.
type OfferSent struct {
	Wave int `json:"wave"`
}

func (OfferSent) EventType() EventType { return EventOfferSent }

// WaveCompleted terminates a wave, currently always with reason "timeout".
type WaveCompleted struct {
	Wave   int    `json:"wave"`
	Reason string `json:"reason"`
}

func (WaveCompleted) EventType() EventType { return EventWaveCompleted }

// RequestExpired is one of the two terminal facts of a lesson_request.
type RequestExpired struct {
	Reason string `json:"reason"`
}

func (RequestExpired) EventType() EventType { return EventRequestExpired }

// OfferAccepted records which instructor won the request.
type OfferAccepted struct {
	InstructorID uuid.UUID `json:"instructor_id"`
	CarID        uuid.UUID `json:"car_id"`
}

func (OfferAccepted) EventType() EventType { return EventOfferAccepted }

// LessonConfirmed is the successful terminal fact of a lesson_request.
type LessonConfirmed struct {
	InstructorID uuid.UUID `json:"instructor_id"`
	LessonID     uuid.UUID `json:"lesson_id"`
}

func (LessonConfirmed) EventType() EventType { return EventLessonConfirmed }

// LessonScheduled carries the resolved booking on the new lesson identity.
type LessonScheduled struct {
	StudentID    uuid.UUID `json:"student_id"`
	InstructorID uuid.UUID `json:"instructor_id"`
	CarID        uuid.UUID `json:"car_id"`
	Slot         TimeRange `json:"slot"`
}

func (LessonScheduled) EventType() EventType { return EventLessonScheduled }

// LessonCancelled voids a scheduled lesson.
type LessonCancelled struct {
	Reason string `json:"reason,omitempty"`
}

func (LessonCancelled) EventType() EventType { return EventLessonCancelled }

// LessonCompleted closes a lesson that took place.
type LessonCompleted struct{}

func (LessonCompleted) EventType() EventType { return EventLessonCompleted }

// LifecycleChange is shared by the created/activated/deactivated facts of
// students, instructors and cars.
type LifecycleChange struct {
	PerformedBy string `json:"performed_by"`
	Source      string `json:"source"`

	kind EventType
}

func (l LifecycleChange) EventType() EventType { return l.kind }

// NewLifecycleChange builds a lifecycle payload for the given event type.
func NewLifecycleChange(kind EventType, performedBy, source string) LifecycleChange {
	return LifecycleChange{PerformedBy: performedBy, Source: source, kind: kind}
}

// InstructorPresence marks an instructor going online or offline in a zone.
type InstructorPresence struct {
	Zone string `json:"zone,omitempty"`

	online bool
}

func (p InstructorPresence) EventType() EventType {
	if p.online {
		return EventInstructorOnline
	}
	return EventInstructorOffline
}

// NewInstructorPresence builds the presence payload.
func NewInstructorPresence(zone string, online bool) InstructorPresence {
	return InstructorPresence{Zone: zone, online: online}
}

// PaymentCreated opens a payment identity with the flat per-lesson fee.
type PaymentCreated struct {
	LessonID uuid.UUID `json:"lesson_id"`
	Amount   float64   `json:"amount"`
	Currency string    `json:"currency"`
}

func (PaymentCreated) EventType() EventType { return EventPaymentCreated }

// PaymentConfirmed finalizes a payment.
type PaymentConfirmed struct {
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (PaymentConfirmed) EventType() EventType { return EventPaymentConfirmed }

// CommissionComputed records the marketplace commission split.
type CommissionComputed struct {
	Commission      float64 `json:"commission"`
	InstructorShare float64 `json:"instructor_share"`
}

func (CommissionComputed) EventType() EventType { return EventCommissionComputed }

// EncodePayload serializes a payload using the canonical JSON contract.
// A nil payload encodes as an empty object.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return b, nil
}

func decodeAs[T Payload](t EventType, raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return v, nil
}

// DecodePayload parses raw JSON into the variant registered for the type.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch t {
	case EventLessonRequested:
		return decodeAs[LessonRequested](t, raw)
	case EventDispatchStarted:
		return decodeAs[DispatchStarted](t, raw)
	case EventOfferSent:
		return decodeAs[OfferSent](t, raw)
	case EventWaveCompleted:
		return decodeAs[WaveCompleted](t, raw)
	case EventRequestExpired:
		return decodeAs[RequestExpired](t, raw)
	case EventOfferAccepted:
		return decodeAs[OfferAccepted](t, raw)
	case EventLessonConfirmed:
		return decodeAs[LessonConfirmed](t, raw)
	case EventLessonScheduled:
		return decodeAs[LessonScheduled](t, raw)
	case EventLessonCancelled:
		return decodeAs[LessonCancelled](t, raw)
	case EventLessonCompleted:
		return decodeAs[LessonCompleted](t, raw)
	case EventStudentCreated, EventStudentActivated, EventStudentDeactivated,
		EventInstructorCreated, EventInstructorActivated, EventInstructorDeactivated,
		EventCarCreated, EventCarActivated, EventCarDeactivated:
		var l LifecycleChange
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		l.kind = t
		return l, nil
	case EventInstructorOnline, EventInstructorOffline:
		var p InstructorPresence
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		p.online = t == EventInstructorOnline
		return p, nil
	case EventPaymentCreated:
		return decodeAs[PaymentCreated](t, raw)
	case EventPaymentConfirmed:
		return decodeAs[PaymentConfirmed](t, raw)
	case EventCommissionComputed:
		return decodeAs[CommissionComputed](t, raw)
	}
	return nil, fmt.Errorf("no payload variant for event type %q", t)
}
