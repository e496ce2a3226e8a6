package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *ledger.MemoryStore, *fakeClock) {
	t.Helper()
	store := ledger.NewMemoryStore()
	e, err := NewEngine(store, cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clock := newFakeClock()
	e.SetClock(clock.Now)
	store.SetClock(clock.Now)
	return e, store, clock
}

func seedStudent(t *testing.T, store *ledger.MemoryStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		if _, err := tx.CreateIdentity(id, model.IdentityStudent); err != nil {
			return err
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: id,
			Type:       model.EventStudentActivated,
			Payload:    model.NewLifecycleChange(model.EventStudentActivated, "test", "seed"),
		})
	})
	if err != nil {
		t.Fatalf("seed student: %v", err)
	}
	return id
}

func seedInstructor(t *testing.T, store *ledger.MemoryStore, zone string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		if _, err := tx.CreateIdentity(id, model.IdentityInstructor); err != nil {
			return err
		}
		if err := tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: id,
			Type:       model.EventInstructorActivated,
			Payload:    model.NewLifecycleChange(model.EventInstructorActivated, "test", "seed"),
		}); err != nil {
			return err
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: id,
			Type:       model.EventInstructorOnline,
			Payload:    model.NewInstructorPresence(zone, true),
		})
	})
	if err != nil {
		t.Fatalf("seed instructor: %v", err)
	}
	return id
}

func seedCar(t *testing.T, store *ledger.MemoryStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.CreateIdentity(id, model.IdentityCar)
		return err
	})
	if err != nil {
		t.Fatalf("seed car: %v", err)
	}
	return id
}

func decodeResult(t *testing.T, raw []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode stored response: %v", err)
	}
}

func slotTomorrow(clock *fakeClock) model.TimeRange {
	start := clock.Now().Add(24 * time.Hour)
	return model.TimeRange{Start: start, End: start.Add(time.Hour)}
}

func requestLesson(t *testing.T, e *Engine, store *ledger.MemoryStore, clock *fakeClock) uuid.UUID {
	t.Helper()
	student := seedStudent(t, store)
	res, err := e.RequestLesson(context.Background(), RequestLessonCommand{
		IdempotencyKey: uuid.NewString(),
		StudentID:      student,
		Slot:           slotTomorrow(clock),
		Zone:           "centrum",
	})
	if err != nil {
		t.Fatalf("request lesson: %v", err)
	}
	var out RequestLessonResult
	decodeResult(t, res.Response, &out)
	return out.LessonRequestID
}

func TestRequestLessonNoInstructorsExpiresImmediately(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	student := seedStudent(t, store)

	res, err := e.RequestLesson(context.Background(), RequestLessonCommand{
		IdempotencyKey: "req-1",
		StudentID:      student,
		Slot:           slotTomorrow(clock),
	})
	if err != nil {
		t.Fatalf("request lesson: %v", err)
	}
	var out RequestLessonResult
	decodeResult(t, res.Response, &out)
	if !out.Expired || out.ExpiredReason != model.ReasonNoAvailableInstructors {
		t.Fatalf("expected immediate expiry, got %+v", out)
	}
	if len(out.OffersSent) != 0 {
		t.Fatalf("expected zero offers, got %d", len(out.OffersSent))
	}

	st, err := e.RequestState(context.Background(), out.LessonRequestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if !st.Expired || st.Wave != 1 || len(st.OfferedEver) != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestRequestLessonInactiveStudent(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	student := uuid.New()
	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		_, err := tx.CreateIdentity(student, model.IdentityStudent)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = e.RequestLesson(context.Background(), RequestLessonCommand{
		IdempotencyKey: "req-inactive",
		StudentID:      student,
		Slot:           slotTomorrow(clock),
	})
	if !fault.IsConflict(err) {
		t.Fatalf("expected conflict for inactive student, got %v", err)
	}
}

func TestWaveEscalationExcludesPriorOffers(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	for i := 0; i < 5; i++ {
		seedInstructor(t, store, "centrum")
	}
	requestID := requestLesson(t, e, store, clock)

	st, err := e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if st.Wave != 1 || len(st.OfferedEver) != 3 {
		t.Fatalf("wave 1 should offer 3, got wave=%d offers=%d", st.Wave, len(st.OfferedEver))
	}

	clock.Advance(301 * time.Second)
	processed, err := e.SweepExpiredWaves(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed request, got %d", processed)
	}

	st, err = e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if st.Wave != 2 {
		t.Fatalf("expected wave 2, got %d", st.Wave)
	}
	// The two instructors left over from wave 1 get the wave 2 offers.
	if len(st.OfferedEver) != 5 {
		t.Fatalf("expected all 5 instructors offered, got %d", len(st.OfferedEver))
	}
	waveTwo := 0
	for _, wave := range st.LatestOfferWave {
		if wave == 2 {
			waveTwo++
		}
	}
	if waveTwo != 2 {
		t.Fatalf("expected 2 offers in wave 2, got %d", waveTwo)
	}
}

func TestAcceptOfferSingleWinner(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	instructors := make([]uuid.UUID, 3)
	for i := range instructors {
		instructors[i] = seedInstructor(t, store, "centrum")
	}
	requestID := requestLesson(t, e, store, clock)

	cars := make([]uuid.UUID, len(instructors))
	for i := range cars {
		cars[i] = seedCar(t, store)
	}

	var wg sync.WaitGroup
	responses := make([][]byte, len(instructors))
	errs := make([]error, len(instructors))
	for i := range instructors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.AcceptOffer(context.Background(), AcceptOfferCommand{
				IdempotencyKey:  uuid.NewString(),
				LessonRequestID: requestID,
				InstructorID:    instructors[i],
				CarID:           cars[i],
			})
			if err != nil {
				errs[i] = err
				return
			}
			responses[i] = res.Response
		}(i)
	}
	wg.Wait()

	won, conflicts := 0, 0
	for i := range instructors {
		switch {
		case errs[i] == nil:
			won++
			var out AcceptOfferResult
			decodeResult(t, responses[i], &out)
			if out.LessonID == uuid.Nil || out.PaymentID == uuid.Nil {
				t.Fatalf("winner missing lesson or payment id: %+v", out)
			}
		case fault.IsConflict(errs[i]):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	if won != 1 || conflicts != len(instructors)-1 {
		t.Fatalf("expected exactly one winner, got won=%d conflicts=%d", won, conflicts)
	}

	st, err := e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if !st.Confirmed {
		t.Fatalf("request not confirmed: %+v", st)
	}
}

func TestAcceptStaleWaveOffer(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	for i := 0; i < 5; i++ {
		seedInstructor(t, store, "centrum")
	}
	requestID := requestLesson(t, e, store, clock)
	car := seedCar(t, store)

	st, err := e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	var waveOne uuid.UUID
	for id, wave := range st.LatestOfferWave {
		if wave == 1 {
			waveOne = id
			break
		}
	}

	clock.Advance(301 * time.Second)
	if _, err := e.SweepExpiredWaves(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	_, err = e.AcceptOffer(context.Background(), AcceptOfferCommand{
		IdempotencyKey:  "stale-accept",
		LessonRequestID: requestID,
		InstructorID:    waveOne,
		CarID:           car,
	})
	if !fault.IsConflict(err) {
		t.Fatalf("expected stale-wave conflict, got %v", err)
	}
}

func TestMaxWavesExhaustedExpires(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{WaveSize: 1})
	for i := 0; i < 3; i++ {
		seedInstructor(t, store, "centrum")
	}
	requestID := requestLesson(t, e, store, clock)

	for wave := 1; wave <= 3; wave++ {
		st, err := e.RequestState(context.Background(), requestID)
		if err != nil {
			t.Fatalf("request state: %v", err)
		}
		if st.Wave != wave {
			t.Fatalf("expected wave %d, got %d", wave, st.Wave)
		}
		clock.Advance(301 * time.Second)
		if _, err := e.SweepExpiredWaves(context.Background()); err != nil {
			t.Fatalf("sweep wave %d: %v", wave, err)
		}
	}

	st, err := e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if !st.Expired || st.ExpiredReason != model.ReasonNoInstructorAccepted {
		t.Fatalf("expected exhaustion expiry, got %+v", st)
	}
	if st.WavesStarted != 3 {
		t.Fatalf("expected 3 started waves, got %d", st.WavesStarted)
	}
}

func TestRequestLessonReplayIsByteIdentical(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	seedInstructor(t, store, "centrum")
	student := seedStudent(t, store)
	cmd := RequestLessonCommand{
		IdempotencyKey: "replay-me",
		StudentID:      student,
		Slot:           slotTomorrow(clock),
	}

	first, err := e.RequestLesson(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := e.RequestLesson(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second submission was not replayed")
	}
	if !bytes.Equal(first.Response, second.Response) {
		t.Fatalf("responses differ:\n%s\n%s", first.Response, second.Response)
	}

	err = store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		evs, err := tx.EventsOfTypes(time.Time{}, model.EventLessonRequested)
		if err != nil {
			return err
		}
		if len(evs) != 1 {
			t.Fatalf("expected exactly one lesson_requested fact, got %d", len(evs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSendOfferManualOverride(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{WaveSize: 1})
	first := seedInstructor(t, store, "centrum")
	second := seedInstructor(t, store, "noord")
	requestID := requestLesson(t, e, store, clock)

	st, err := e.RequestState(context.Background(), requestID)
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	// The wave picked one of the two; target the other manually.
	manual := first
	if st.OfferedEver[first] {
		manual = second
	}

	res, err := e.SendOffer(context.Background(), SendOfferCommand{
		LessonRequestID: requestID,
		InstructorID:    manual,
	})
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if res.Wave != 1 {
		t.Fatalf("expected wave 1 offer, got %d", res.Wave)
	}

	_, err = e.SendOffer(context.Background(), SendOfferCommand{
		LessonRequestID: requestID,
		InstructorID:    manual,
	})
	if !fault.IsConflict(err) {
		t.Fatalf("expected duplicate-offer conflict, got %v", err)
	}
}

func TestSweepIgnoresRequestsNotDue(t *testing.T) {
	e, store, clock := newTestEngine(t, Config{})
	seedInstructor(t, store, "centrum")
	requestLesson(t, e, store, clock)

	processed, err := e.SweepExpiredWaves(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("nothing was due, yet processed %d", processed)
	}
}
