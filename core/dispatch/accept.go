package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/events"
	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/idempotency"
	"github.com/driveline/driveline/core/ledger"
	coremetrics "github.com/driveline/driveline/core/metrics"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
	"github.com/driveline/driveline/internal/eventbus"
)

// AcceptOfferCommand confirms an outstanding offer.
type AcceptOfferCommand struct {
	IdempotencyKey  string
	LessonRequestID uuid.UUID
	InstructorID    uuid.UUID
	CarID           uuid.UUID
}

func (c AcceptOfferCommand) validate() error {
	if c.LessonRequestID == uuid.Nil || c.InstructorID == uuid.Nil || c.CarID == uuid.Nil {
		return fault.Invalidf("lesson_request_id, instructor_id and car_id required")
	}
	return nil
}

// AcceptOfferResult is the stored response of an acceptance.
type AcceptOfferResult struct {
	LessonID  uuid.UUID `json:"lesson_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Wave      int       `json:"wave"`
}

// AcceptOffer runs the race-free acceptance transaction behind the
// idempotency guard. The exclusive lock on the lesson_request identity is
// taken before any read, totally ordering concurrent acceptance attempts:
// at most one lesson_confirmed fact can ever exist per request.
func (e *Engine) AcceptOffer(ctx context.Context, cmd AcceptOfferCommand) (idempotency.Result, error) {
	if err := cmd.validate(); err != nil {
		return idempotency.Result{}, err
	}
	var notes []eventbus.Event
	var match coremetrics.MatchRecord
	res, err := e.guard.Do(ctx, cmd.IdempotencyKey, func(tx ledger.Tx) (any, error) {
		out, err := e.accept(tx, cmd)
		if err != nil {
			if fault.IsConflict(err) {
				acceptConflicts.Inc()
			}
			return nil, err
		}
		st := out.state
		notes = append(notes, events.LessonConfirmed{
			RequestID:    cmd.LessonRequestID,
			LessonID:     out.result.LessonID,
			InstructorID: cmd.InstructorID,
			CarID:        cmd.CarID,
		})
		match = coremetrics.MatchRecord{
			RequestID:    cmd.LessonRequestID.String(),
			Zone:         st.Zone,
			LessonID:     out.result.LessonID.String(),
			InstructorID: cmd.InstructorID.String(),
			CarID:        cmd.CarID.String(),
			Wave:         st.Wave,
			Time:         e.clock(),
		}
		return out.result, nil
	})
	if err != nil {
		return idempotency.Result{}, err
	}
	if !res.Replayed {
		e.publish(notes)
		if err := e.sink.RecordMatch(match); err != nil {
			e.log.Errorf("record match: %v", err)
		}
	}
	return res, nil
}

type acceptOutcome struct {
	result AcceptOfferResult
	state  projection.RequestState
}

// accept performs the validation ladder and the confirming appends inside
// the caller's unit of work.
func (e *Engine) accept(tx ledger.Tx, cmd AcceptOfferCommand) (acceptOutcome, error) {
	if err := tx.LockIdentity(cmd.LessonRequestID); err != nil {
		return acceptOutcome{}, err
	}

	ident, ok, err := tx.Identity(cmd.LessonRequestID)
	if err != nil {
		return acceptOutcome{}, err
	}
	if !ok || ident.Type != model.IdentityLessonRequest {
		return acceptOutcome{}, fault.NotFoundf("lesson request %s", cmd.LessonRequestID)
	}
	if _, ok, err = tx.Identity(cmd.InstructorID); err != nil {
		return acceptOutcome{}, err
	} else if !ok {
		return acceptOutcome{}, fault.NotFoundf("instructor %s", cmd.InstructorID)
	}
	if _, ok, err = tx.Identity(cmd.CarID); err != nil {
		return acceptOutcome{}, err
	} else if !ok {
		return acceptOutcome{}, fault.NotFoundf("car %s", cmd.CarID)
	}

	evs, err := tx.EventsByIdentity(cmd.LessonRequestID)
	if err != nil {
		return acceptOutcome{}, err
	}
	st := projection.FoldRequest(cmd.LessonRequestID, evs)

	switch {
	case st.Expired:
		return acceptOutcome{}, fault.Conflictf("request already expired")
	case st.Confirmed:
		return acceptOutcome{}, fault.Conflictf("request already confirmed")
	case st.Wave == 0:
		return acceptOutcome{}, fault.Conflictf("no active dispatch wave")
	}
	offerWave, offered := st.LatestOfferWave[cmd.InstructorID]
	if !offered {
		return acceptOutcome{}, fault.Conflictf("no offer found for instructor %s", cmd.InstructorID)
	}
	if offerWave != st.Wave {
		return acceptOutcome{}, fault.Conflictf("offer belongs to superseded wave %d, current is %d", offerWave, st.Wave)
	}
	if st.WaveCompleted {
		return acceptOutcome{}, fault.Conflictf("wave %d already completed", st.Wave)
	}

	now := e.clock()
	lessonID := uuid.New()
	paymentID := uuid.New()

	if err := tx.Append(model.Event{
		ID:           uuid.New(),
		IdentityID:   cmd.LessonRequestID,
		Type:         model.EventOfferAccepted,
		Payload:      model.OfferAccepted{InstructorID: cmd.InstructorID, CarID: cmd.CarID},
		InstructorID: cmd.InstructorID,
		CarID:        cmd.CarID,
		CreatedAt:    now,
	}); err != nil {
		return acceptOutcome{}, err
	}
	if err := tx.Append(model.Event{
		ID:           uuid.New(),
		IdentityID:   cmd.LessonRequestID,
		Type:         model.EventLessonConfirmed,
		Payload:      model.LessonConfirmed{InstructorID: cmd.InstructorID, LessonID: lessonID},
		InstructorID: cmd.InstructorID,
		CreatedAt:    now,
	}); err != nil {
		return acceptOutcome{}, err
	}

	if _, err := tx.CreateIdentity(lessonID, model.IdentityLesson); err != nil {
		return acceptOutcome{}, err
	}
	if err := tx.Append(model.Event{
		ID:         lessonID,
		IdentityID: lessonID,
		Type:       model.EventLessonScheduled,
		Payload: model.LessonScheduled{
			StudentID:    st.StudentID,
			InstructorID: cmd.InstructorID,
			CarID:        cmd.CarID,
			Slot:         st.Slot,
		},
		InstructorID: cmd.InstructorID,
		CarID:        cmd.CarID,
		Lesson:       st.Slot,
		CreatedAt:    now,
	}); err != nil {
		return acceptOutcome{}, err
	}

	// Flat per-lesson fee: confirming a lesson opens its payment.
	if _, err := tx.CreateIdentity(paymentID, model.IdentityPayment); err != nil {
		return acceptOutcome{}, err
	}
	if err := tx.Append(model.Event{
		ID:         uuid.New(),
		IdentityID: paymentID,
		Type:       model.EventPaymentCreated,
		Payload:    model.PaymentCreated{LessonID: lessonID, Amount: e.cfg.LessonFee, Currency: e.cfg.FeeCurrency},
		CreatedAt:  now,
	}); err != nil {
		return acceptOutcome{}, err
	}

	return acceptOutcome{
		result: AcceptOfferResult{LessonID: lessonID, PaymentID: paymentID, Wave: st.Wave},
		state:  st,
	}, nil
}
