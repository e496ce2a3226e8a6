package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/events"
	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/idempotency"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/logger"
	coremetrics "github.com/driveline/driveline/core/metrics"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
	"github.com/driveline/driveline/core/selector"
	"github.com/driveline/driveline/internal/eventbus"
)

// WaveSizer provides the advisory per-zone wave size computed by the
// liquidity control loop.
type WaveSizer interface {
	SuggestedWaveSize(zone string) (int, bool)
}

// Engine owns the wave state machine of every lesson request: it starts
// waves, sweeps expired ones, and runs the acceptance transaction.
type Engine struct {
	store ledger.Store
	guard *idempotency.Guard
	cfg   Config
	sizer WaveSizer
	log   logger.Logger
	bus   eventbus.EventBus
	sink  coremetrics.Sink
	clock func() time.Time
}

// NewEngine builds an engine. sink, bus, sizer and log may be nil.
func NewEngine(store ledger.Store, cfg Config, sink coremetrics.Sink, bus eventbus.EventBus, sizer WaveSizer, log logger.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("dispatch: nil store provided to NewEngine")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Engine{
		store: store,
		guard: idempotency.NewGuard(store),
		cfg:   cfg,
		sizer: sizer,
		log:   log,
		bus:   bus,
		sink:  sink,
		clock: time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

func (e *Engine) waveTimeout() time.Duration {
	return time.Duration(e.cfg.WaveTimeoutSeconds) * time.Second
}

func (e *Engine) statsWindow() time.Duration {
	return time.Duration(e.cfg.StatsWindowHours) * time.Hour
}

func (e *Engine) publish(evs []eventbus.Event) {
	if e.bus == nil {
		return
	}
	for _, ev := range evs {
		e.bus.Publish(ev)
	}
}

// RequestLessonCommand opens a lesson request and dispatches wave 1.
type RequestLessonCommand struct {
	IdempotencyKey string
	StudentID      uuid.UUID
	Slot           model.TimeRange
	Zone           string
}

func (c RequestLessonCommand) validate() error {
	if c.StudentID == uuid.Nil {
		return fault.Invalidf("student_id required")
	}
	if err := c.Slot.Validate(); err != nil {
		return fault.Invalidf("%v", err)
	}
	return nil
}

// RequestLessonResult is the stored response of a lesson request command.
type RequestLessonResult struct {
	LessonRequestID uuid.UUID   `json:"lesson_request_id"`
	OffersSent      []uuid.UUID `json:"offers_sent"`
	Expired         bool        `json:"expired,omitempty"`
	ExpiredReason   string      `json:"expired_reason,omitempty"`
}

// RequestLesson handles the requestLesson command behind the idempotency
// guard. The stored response is returned verbatim on replays.
func (e *Engine) RequestLesson(ctx context.Context, cmd RequestLessonCommand) (idempotency.Result, error) {
	if err := cmd.validate(); err != nil {
		return idempotency.Result{}, err
	}
	var notes []eventbus.Event
	var wave waveOutcome
	res, err := e.guard.Do(ctx, cmd.IdempotencyKey, func(tx ledger.Tx) (any, error) {
		now := e.clock()

		studentEvents, err := tx.EventsByIdentity(cmd.StudentID)
		if err != nil {
			return nil, err
		}
		active := projection.ActiveIdentities(studentEvents, model.EventStudentActivated, model.EventStudentDeactivated)
		if !active[cmd.StudentID] {
			return nil, fault.Conflictf("student %s not active", cmd.StudentID)
		}

		requestID := uuid.New()
		if _, err := tx.CreateIdentity(requestID, model.IdentityLessonRequest); err != nil {
			return nil, err
		}
		if err := tx.Append(model.Event{
			ID:         requestID,
			IdentityID: requestID,
			Type:       model.EventLessonRequested,
			Payload:    model.LessonRequested{StudentID: cmd.StudentID, Slot: cmd.Slot, Zone: cmd.Zone},
			Lesson:     cmd.Slot,
			CreatedAt:  now,
		}); err != nil {
			return nil, err
		}

		wave, err = e.startWave(tx, requestID, 1, now)
		if err != nil {
			return nil, err
		}

		notes = append(notes, events.RequestReceived{
			RequestID: requestID,
			StudentID: cmd.StudentID,
			Zone:      cmd.Zone,
			Time:      now,
		})
		notes = append(notes, wave.notifications(requestID)...)

		return RequestLessonResult{
			LessonRequestID: requestID,
			OffersSent:      wave.offers,
			Expired:         wave.expired,
			ExpiredReason:   wave.expiredReason,
		}, nil
	})
	if err != nil {
		return idempotency.Result{}, err
	}
	if !res.Replayed {
		e.publish(notes)
		wave.record(e, cmd.Zone)
	}
	return res, nil
}

// SendOfferCommand is the manual override path that bypasses the selector.
type SendOfferCommand struct {
	LessonRequestID uuid.UUID
	InstructorID    uuid.UUID
}

// SendOfferResult acknowledges a manual offer.
type SendOfferResult struct {
	LessonRequestID uuid.UUID `json:"lesson_request_id"`
	InstructorID    uuid.UUID `json:"instructor_id"`
	Wave            int       `json:"wave"`
}

// SendOffer appends a lesson_offer_sent fact for the current wave without
// consulting the selector.
func (e *Engine) SendOffer(ctx context.Context, cmd SendOfferCommand) (SendOfferResult, error) {
	if cmd.LessonRequestID == uuid.Nil || cmd.InstructorID == uuid.Nil {
		return SendOfferResult{}, fault.Invalidf("lesson_request_id and instructor_id required")
	}
	var out SendOfferResult
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.LockIdentity(cmd.LessonRequestID); err != nil {
			return err
		}
		ident, ok, err := tx.Identity(cmd.LessonRequestID)
		if err != nil {
			return err
		}
		if !ok || ident.Type != model.IdentityLessonRequest {
			return fault.NotFoundf("lesson request %s", cmd.LessonRequestID)
		}
		if _, ok, err = tx.Identity(cmd.InstructorID); err != nil {
			return err
		} else if !ok {
			return fault.NotFoundf("instructor %s", cmd.InstructorID)
		}

		evs, err := tx.EventsByIdentity(cmd.LessonRequestID)
		if err != nil {
			return err
		}
		st := projection.FoldRequest(cmd.LessonRequestID, evs)
		switch {
		case st.Expired:
			return fault.Conflictf("request already expired")
		case st.Confirmed:
			return fault.Conflictf("request already confirmed")
		case st.Wave == 0:
			return fault.Conflictf("no active dispatch wave")
		case st.WaveCompleted:
			return fault.Conflictf("wave %d already completed", st.Wave)
		case st.LatestOfferWave[cmd.InstructorID] == st.Wave:
			return fault.Conflictf("instructor %s already offered in wave %d", cmd.InstructorID, st.Wave)
		}

		now := e.clock()
		if err := tx.Append(model.Event{
			ID:           uuid.New(),
			IdentityID:   cmd.LessonRequestID,
			Type:         model.EventOfferSent,
			Payload:      model.OfferSent{Wave: st.Wave},
			InstructorID: cmd.InstructorID,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		out = SendOfferResult{LessonRequestID: cmd.LessonRequestID, InstructorID: cmd.InstructorID, Wave: st.Wave}
		return nil
	})
	if err != nil {
		return SendOfferResult{}, err
	}
	return out, nil
}

// RequestState folds and returns the current state of one lesson request.
func (e *Engine) RequestState(ctx context.Context, id uuid.UUID) (projection.RequestState, error) {
	var st projection.RequestState
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		ident, ok, err := tx.Identity(id)
		if err != nil {
			return err
		}
		if !ok || ident.Type != model.IdentityLessonRequest {
			return fault.NotFoundf("lesson request %s", id)
		}
		evs, err := tx.EventsByIdentity(id)
		if err != nil {
			return err
		}
		st = projection.FoldRequest(id, evs)
		return nil
	})
	return st, err
}

// waveOutcome carries what startWave did so callers can publish and record
// after their unit of work commits.
type waveOutcome struct {
	wave          int
	size          int
	deadline      time.Time
	offers        []uuid.UUID
	expired       bool
	expiredReason string
}

func (w waveOutcome) notifications(requestID uuid.UUID) []eventbus.Event {
	if w.expired {
		return []eventbus.Event{events.RequestExpired{RequestID: requestID, Reason: w.expiredReason}}
	}
	return []eventbus.Event{events.OffersBroadcast{
		RequestID:   requestID,
		Wave:        w.wave,
		Instructors: w.offers,
		Deadline:    w.deadline,
	}}
}

func (w waveOutcome) record(e *Engine, zone string) {
	if w.wave == 0 {
		return
	}
	if w.expired {
		if err := e.sink.RecordExpiry(coremetrics.ExpiryRecord{Reason: w.expiredReason, Waves: w.wave, Time: e.clock()}); err != nil {
			e.log.Errorf("record expiry: %v", err)
		}
		return
	}
	if err := e.sink.RecordWave(coremetrics.WaveRecord{Zone: zone, Wave: w.wave, OffersSent: len(w.offers), Time: e.clock()}); err != nil {
		e.log.Errorf("record wave: %v", err)
	}
}

// waveSize resolves the effective wave size for a zone.
func (e *Engine) waveSize(zone string) int {
	if e.cfg.UseSuggestedWaveSize && e.sizer != nil {
		if n, ok := e.sizer.SuggestedWaveSize(zone); ok && n > 0 {
			return n
		}
	}
	return e.cfg.WaveSize
}

// startWave appends the dispatch_started fact for the given wave, selects
// candidates excluding every instructor offered in an earlier wave, and
// either broadcasts one offer per candidate or expires the request when no
// candidate is eligible. All appends share the caller's unit of work.
func (e *Engine) startWave(tx ledger.Tx, requestID uuid.UUID, wave int, now time.Time) (waveOutcome, error) {
	evs, err := tx.EventsByIdentity(requestID)
	if err != nil {
		return waveOutcome{}, err
	}
	st := projection.FoldRequest(requestID, evs)

	size := e.waveSize(st.Zone)
	deadline := now.Add(e.waveTimeout())
	out := waveOutcome{wave: wave, size: size, deadline: deadline}

	if err := tx.Append(model.Event{
		ID:         uuid.New(),
		IdentityID: requestID,
		Type:       model.EventDispatchStarted,
		Payload:    model.DispatchStarted{Wave: wave, ExpiresAt: deadline, WaveSize: size},
		CreatedAt:  now,
	}); err != nil {
		return waveOutcome{}, err
	}

	in, err := e.selectorInput(tx, now)
	if err != nil {
		return waveOutcome{}, err
	}
	in.Excluded = st.OfferedEver
	in.Slot = st.Slot
	in.WaveSize = size
	in.MaxActiveOffersPerInstr = e.cfg.MaxActiveOffersPerInstructor

	candidates := selector.Select(in)
	if len(candidates) == 0 {
		if err := tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: requestID,
			Type:       model.EventRequestExpired,
			Payload:    model.RequestExpired{Reason: model.ReasonNoAvailableInstructors},
			CreatedAt:  now,
		}); err != nil {
			return waveOutcome{}, err
		}
		out.expired = true
		out.expiredReason = model.ReasonNoAvailableInstructors
		return out, nil
	}

	for _, instructor := range candidates {
		if err := tx.Append(model.Event{
			ID:           uuid.New(),
			IdentityID:   requestID,
			Type:         model.EventOfferSent,
			Payload:      model.OfferSent{Wave: wave},
			InstructorID: instructor,
			CreatedAt:    now,
		}); err != nil {
			return waveOutcome{}, err
		}
	}
	out.offers = candidates
	return out, nil
}

// selectorInput loads the projections candidate selection depends on.
func (e *Engine) selectorInput(tx ledger.Tx, now time.Time) (selector.Input, error) {
	presence, err := tx.EventsOfTypes(time.Time{}, model.EventInstructorOnline, model.EventInstructorOffline)
	if err != nil {
		return selector.Input{}, err
	}
	requestEvents, err := tx.EventsOfTypes(time.Time{},
		model.EventLessonRequested, model.EventDispatchStarted, model.EventOfferSent,
		model.EventWaveCompleted, model.EventRequestExpired, model.EventLessonConfirmed)
	if err != nil {
		return selector.Input{}, err
	}
	lessonEvents, err := tx.EventsOfTypes(time.Time{}, model.EventLessonScheduled, model.EventLessonCancelled)
	if err != nil {
		return selector.Input{}, err
	}
	requests := projection.FoldRequests(requestEvents)
	return selector.Input{
		Online:  projection.OnlineInstructors(presence),
		Stats:   projection.OfferStatistics(requestEvents, requests, now, e.statsWindow()),
		Lessons: projection.FoldLessons(lessonEvents),
	}, nil
}
