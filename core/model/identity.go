package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityType defines the closed set of entity kinds the ledger accepts.
type IdentityType string

const (
	IdentityStudent       IdentityType = "student"
	IdentityInstructor    IdentityType = "instructor"
	IdentityCar           IdentityType = "car"
	IdentityLessonRequest IdentityType = "lesson_request"
	IdentityLesson        IdentityType = "lesson"
	IdentityPayment       IdentityType = "payment"
)

// Identity is an immutable, typed entity reference. The type never changes
// after creation; all knowledge about the entity lives in its events.
type Identity struct {
	ID        uuid.UUID
	Type      IdentityType
	CreatedAt time.Time
}

// Validate checks that the identity type belongs to the closed set.
func (t IdentityType) Validate() error {
	switch t {
	case IdentityStudent, IdentityInstructor, IdentityCar,
		IdentityLessonRequest, IdentityLesson, IdentityPayment:
		return nil
	}
	return fmt.Errorf("unknown identity type %q", string(t))
}
