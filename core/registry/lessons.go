package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
)

// CancelLessonCommand voids a scheduled lesson, freeing its slot for the
// overlap checks.
type CancelLessonCommand struct {
	LessonID uuid.UUID
	Reason   string
}

// CancelLesson appends the lesson_cancelled fact. A cancelled lesson no
// longer blocks its instructor or car.
func (r *Registry) CancelLesson(ctx context.Context, cmd CancelLessonCommand) error {
	if cmd.LessonID == uuid.Nil {
		return fault.Invalidf("lesson_id required")
	}
	return r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		lesson, err := r.lessonState(tx, cmd.LessonID)
		if err != nil {
			return err
		}
		if lesson.Cancelled {
			return fault.Conflictf("lesson %s already cancelled", cmd.LessonID)
		}
		if lesson.Completed {
			return fault.Conflictf("lesson %s already completed", cmd.LessonID)
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: cmd.LessonID,
			Type:       model.EventLessonCancelled,
			Payload:    model.LessonCancelled{Reason: cmd.Reason},
			CreatedAt:  r.clock(),
		})
	})
}

// CompleteLesson appends the lesson_completed fact once the lesson took
// place.
func (r *Registry) CompleteLesson(ctx context.Context, lessonID uuid.UUID) error {
	if lessonID == uuid.Nil {
		return fault.Invalidf("lesson_id required")
	}
	return r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		lesson, err := r.lessonState(tx, lessonID)
		if err != nil {
			return err
		}
		if lesson.Cancelled {
			return fault.Conflictf("lesson %s was cancelled", lessonID)
		}
		if lesson.Completed {
			return fault.Conflictf("lesson %s already completed", lessonID)
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: lessonID,
			Type:       model.EventLessonCompleted,
			Payload:    model.LessonCompleted{},
			CreatedAt:  r.clock(),
		})
	})
}

// RescheduleLessonCommand moves a lesson to a new slot.
type RescheduleLessonCommand struct {
	LessonID uuid.UUID
	Slot     model.TimeRange
}

// RescheduleResult names the cancelled lesson and its replacement.
type RescheduleResult struct {
	OldLessonID uuid.UUID `json:"old_lesson_id"`
	NewLessonID uuid.UUID `json:"new_lesson_id"`
}

// RescheduleLesson cancels the lesson and schedules a replacement under a new
// lesson identity, keeping the original student, instructor and car. The new
// slot must not overlap another live lesson of the instructor or the car; the
// lesson being rescheduled does not count against itself.
func (r *Registry) RescheduleLesson(ctx context.Context, cmd RescheduleLessonCommand) (RescheduleResult, error) {
	if cmd.LessonID == uuid.Nil {
		return RescheduleResult{}, fault.Invalidf("lesson_id required")
	}
	if err := cmd.Slot.Validate(); err != nil {
		return RescheduleResult{}, fault.Invalidf("%v", err)
	}
	var out RescheduleResult
	err := r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		lesson, err := r.lessonState(tx, cmd.LessonID)
		if err != nil {
			return err
		}
		if lesson.Cancelled {
			return fault.Conflictf("lesson %s already cancelled", cmd.LessonID)
		}
		if lesson.Completed {
			return fault.Conflictf("lesson %s already completed", cmd.LessonID)
		}

		evs, err := tx.EventsOfTypes(time.Time{},
			model.EventLessonScheduled, model.EventLessonCancelled, model.EventLessonCompleted)
		if err != nil {
			return err
		}
		lessons := projection.FoldLessons(evs)
		delete(lessons, cmd.LessonID)
		if projection.InstructorBusy(lessons, lesson.InstructorID, cmd.Slot) {
			return fault.Conflictf("instructor %s already booked for this time", lesson.InstructorID)
		}
		if projection.CarBusy(lessons, lesson.CarID, cmd.Slot) {
			return fault.Conflictf("car %s already booked for this time", lesson.CarID)
		}

		now := r.clock()
		if err := tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: cmd.LessonID,
			Type:       model.EventLessonCancelled,
			Payload:    model.LessonCancelled{Reason: "rescheduled"},
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		newID := uuid.New()
		if _, err := tx.CreateIdentity(newID, model.IdentityLesson); err != nil {
			return err
		}
		if err := tx.Append(model.Event{
			ID:         newID,
			IdentityID: newID,
			Type:       model.EventLessonScheduled,
			Payload: model.LessonScheduled{
				StudentID:    lesson.StudentID,
				InstructorID: lesson.InstructorID,
				CarID:        lesson.CarID,
				Slot:         cmd.Slot,
			},
			InstructorID: lesson.InstructorID,
			CarID:        lesson.CarID,
			Lesson:       cmd.Slot,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		out = RescheduleResult{OldLessonID: cmd.LessonID, NewLessonID: newID}
		return nil
	})
	if err != nil {
		return RescheduleResult{}, err
	}
	r.log.Infof("lesson %s rescheduled as %s", out.OldLessonID, out.NewLessonID)
	return out, nil
}

// lessonState locks the lesson identity and folds its current state.
func (r *Registry) lessonState(tx ledger.Tx, id uuid.UUID) (projection.ScheduledLesson, error) {
	if err := tx.LockIdentity(id); err != nil {
		return projection.ScheduledLesson{}, err
	}
	ident, ok, err := tx.Identity(id)
	if err != nil {
		return projection.ScheduledLesson{}, err
	}
	if !ok || ident.Type != model.IdentityLesson {
		return projection.ScheduledLesson{}, fault.NotFoundf("lesson %s", id)
	}
	evs, err := tx.EventsByIdentity(id)
	if err != nil {
		return projection.ScheduledLesson{}, err
	}
	lesson, ok := projection.FoldLessons(evs)[id]
	if !ok {
		return projection.ScheduledLesson{}, fault.Conflictf("lesson %s has no scheduled fact", id)
	}
	return lesson, nil
}
