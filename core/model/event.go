package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType defines the closed event vocabulary of the ledger.
type EventType string

const (
	// Dispatch lifecycle of a lesson_request.
	EventLessonRequested EventType = "lesson_requested"
	EventDispatchStarted EventType = "lesson_request_dispatch_started"
	EventOfferSent       EventType = "lesson_offer_sent"
	EventWaveCompleted   EventType = "lesson_request_wave_completed"
	EventRequestExpired  EventType = "lesson_request_expired"
	EventOfferAccepted   EventType = "lesson_offer_accepted"
	EventLessonConfirmed EventType = "lesson_confirmed"
	EventLessonScheduled EventType = "lesson_scheduled"
	EventLessonCancelled EventType = "lesson_cancelled"
	EventLessonCompleted EventType = "lesson_completed"

	// Entity lifecycle facts consumed by the projections.
	EventStudentCreated        EventType = "student_created"
	EventStudentActivated      EventType = "student_activated"
	EventStudentDeactivated    EventType = "student_deactivated"
	EventInstructorCreated     EventType = "instructor_created"
	EventInstructorActivated   EventType = "instructor_activated"
	EventInstructorDeactivated EventType = "instructor_deactivated"
	EventInstructorOnline      EventType = "instructor_online"
	EventInstructorOffline     EventType = "instructor_offline"
	EventCarCreated            EventType = "car_created"
	EventCarActivated          EventType = "car_activated"
	EventCarDeactivated        EventType = "car_deactivated"

	// Billing facts emitted once a lesson is confirmed.
	EventPaymentCreated     EventType = "payment_created"
	EventPaymentConfirmed   EventType = "payment_confirmed"
	EventCommissionComputed EventType = "commission_calculated"
)

// Terminal reasons carried by lesson_request_expired.
const (
	ReasonNoInstructorAccepted   = "no_instructor_accepted"
	ReasonNoAvailableInstructors = "no_available_instructors"
	ReasonWaveTimeout            = "timeout"
)

// Event is an immutable fact about exactly one identity. Events are never
// updated or deleted; every piece of current state is a fold over them.
//
// InstructorID, CarID and Lesson are optional indexed attributes kept outside
// the payload so stores can serve the overlap and fairness queries without
// decoding payloads.
type Event struct {
	ID           uuid.UUID
	IdentityID   uuid.UUID
	Type         EventType
	Payload      Payload
	InstructorID uuid.UUID // uuid.Nil when not applicable
	CarID        uuid.UUID // uuid.Nil when not applicable
	Lesson       TimeRange // zero when not applicable
	CreatedAt    time.Time
}

// Validate checks structural soundness of the event.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("event requires an id")
	}
	if e.IdentityID == uuid.Nil {
		return fmt.Errorf("event requires an identity id")
	}
	if e.Type == "" {
		return fmt.Errorf("event requires a type")
	}
	if e.Payload != nil && e.Payload.EventType() != e.Type {
		return fmt.Errorf("payload kind %q does not match event type %q", e.Payload.EventType(), e.Type)
	}
	return nil
}
