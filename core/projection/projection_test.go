package projection

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func slot(hours int) model.TimeRange {
	start := base.Add(time.Duration(hours) * time.Hour)
	return model.TimeRange{Start: start, End: start.Add(time.Hour)}
}

func ev(identity uuid.UUID, p model.Payload, at time.Time) model.Event {
	return model.Event{
		ID:         uuid.New(),
		IdentityID: identity,
		Type:       p.EventType(),
		Payload:    p,
		CreatedAt:  at,
	}
}

func offerEv(request, instructor uuid.UUID, wave int, at time.Time) model.Event {
	e := ev(request, model.OfferSent{Wave: wave}, at)
	e.InstructorID = instructor
	return e
}

func TestFoldRequestLifecycle(t *testing.T) {
	request := uuid.New()
	student := uuid.New()
	a, b := uuid.New(), uuid.New()
	deadline := base.Add(5 * time.Minute)

	events := []model.Event{
		ev(request, model.LessonRequested{StudentID: student, Slot: slot(24), Zone: "centrum"}, base),
		ev(request, model.DispatchStarted{Wave: 1, ExpiresAt: deadline, WaveSize: 2}, base),
		offerEv(request, a, 1, base),
		offerEv(request, b, 1, base),
	}

	st := FoldRequest(request, events)
	if st.Wave != 1 || st.WavesStarted != 1 || st.WaveCompleted {
		t.Fatalf("unexpected wave state %+v", st)
	}
	if st.StudentID != student || st.Zone != "centrum" {
		t.Fatalf("request attributes lost: %+v", st)
	}
	if !st.Due(deadline.Add(time.Second)) {
		t.Fatal("request past deadline should be due")
	}
	if st.Due(deadline.Add(-time.Second)) {
		t.Fatal("request before deadline must not be due")
	}

	events = append(events,
		ev(request, model.WaveCompleted{Wave: 1, Reason: model.ReasonWaveTimeout}, deadline),
		ev(request, model.DispatchStarted{Wave: 2, ExpiresAt: deadline.Add(5 * time.Minute), WaveSize: 2}, deadline),
		offerEv(request, a, 2, deadline),
	)
	st = FoldRequest(request, events)
	if st.Wave != 2 || st.WavesStarted != 2 || st.WaveCompleted {
		t.Fatalf("wave escalation not folded: %+v", st)
	}
	if st.LatestOfferWave[a] != 2 || st.LatestOfferWave[b] != 1 {
		t.Fatalf("latest offer waves wrong: %+v", st.LatestOfferWave)
	}

	lessonID := uuid.New()
	events = append(events, ev(request, model.LessonConfirmed{InstructorID: a, LessonID: lessonID}, deadline))
	st = FoldRequest(request, events)
	if !st.Confirmed || st.ConfirmedBy != a || st.LessonID != lessonID {
		t.Fatalf("confirmation not folded: %+v", st)
	}
	if !st.Terminal() || st.Due(deadline.Add(time.Hour)) {
		t.Fatal("confirmed request must be terminal and never due")
	}
}

func TestOnlineInstructorsFollowsPresence(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	events := []model.Event{
		ev(a, model.NewInstructorPresence("centrum", true), base),
		ev(b, model.NewInstructorPresence("noord", true), base),
		ev(a, model.NewInstructorPresence("", false), base.Add(time.Minute)),
		ev(a, model.NewInstructorPresence("zuid", true), base.Add(2*time.Minute)),
	}
	online := OnlineInstructors(events)
	if len(online) != 2 {
		t.Fatalf("expected 2 online, got %d", len(online))
	}
	if online[a] != "zuid" || online[b] != "noord" {
		t.Fatalf("zones wrong: %v", online)
	}
}

func TestActiveOffersCountsOnlyCurrentLiveWave(t *testing.T) {
	now := base.Add(time.Minute)
	a := uuid.New()

	live := RequestState{
		Wave:            1,
		WaveDeadline:    now.Add(time.Minute),
		LatestOfferWave: map[uuid.UUID]int{a: 1},
	}
	stale := RequestState{
		Wave:            2,
		WaveDeadline:    now.Add(time.Minute),
		LatestOfferWave: map[uuid.UUID]int{a: 1},
	}
	timedOut := RequestState{
		Wave:            1,
		WaveDeadline:    now.Add(-time.Minute),
		LatestOfferWave: map[uuid.UUID]int{a: 1},
	}
	confirmed := RequestState{
		Wave:            1,
		WaveDeadline:    now.Add(time.Minute),
		Confirmed:       true,
		LatestOfferWave: map[uuid.UUID]int{a: 1},
	}

	counts := ActiveOffers(map[uuid.UUID]RequestState{
		uuid.New(): live,
		uuid.New(): stale,
		uuid.New(): timedOut,
		uuid.New(): confirmed,
	}, now)
	if counts[a] != 1 {
		t.Fatalf("expected exactly the live offer to count, got %d", counts[a])
	}
}

func TestOfferStatisticsWindow(t *testing.T) {
	a := uuid.New()
	request := uuid.New()
	now := base.Add(48 * time.Hour)

	events := []model.Event{
		offerEv(request, a, 1, base), // outside the trailing day
		offerEv(request, a, 2, now.Add(-time.Hour)),
	}
	confirm := ev(request, model.LessonConfirmed{InstructorID: a, LessonID: uuid.New()}, now.Add(-30*time.Minute))
	confirm.InstructorID = a
	events = append(events, confirm)

	stats := OfferStatistics(events, nil, now, 24*time.Hour)
	st := stats[a]
	if st.OffersSent != 1 || st.Confirmed != 1 {
		t.Fatalf("window not applied: %+v", st)
	}
	if got := st.ConfirmRatio(); got != 1 {
		t.Fatalf("confirm ratio = %v, want 1", got)
	}
	if !st.LastOfferAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("last offer at %v", st.LastOfferAt)
	}
}

func TestInstructorBusyOverlap(t *testing.T) {
	instructor := uuid.New()
	car := uuid.New()
	lessonID := uuid.New()
	lessons := map[uuid.UUID]ScheduledLesson{
		lessonID: {
			LessonID:     lessonID,
			InstructorID: instructor,
			CarID:        car,
			Slot:         slot(10),
		},
	}

	if !InstructorBusy(lessons, instructor, slot(10)) {
		t.Fatal("overlapping slot should mark instructor busy")
	}
	if InstructorBusy(lessons, instructor, slot(12)) {
		t.Fatal("disjoint slot should not mark instructor busy")
	}
	if !CarBusy(lessons, car, slot(10)) {
		t.Fatal("overlapping slot should mark car busy")
	}

	cancelled := lessons[lessonID]
	cancelled.Cancelled = true
	lessons[lessonID] = cancelled
	if InstructorBusy(lessons, instructor, slot(10)) {
		t.Fatal("cancelled lesson must not block")
	}
}

func TestZoneDemandWindow(t *testing.T) {
	now := base.Add(time.Hour)
	student := uuid.New()
	events := []model.Event{
		ev(uuid.New(), model.LessonRequested{StudentID: student, Slot: slot(24), Zone: "centrum"}, now.Add(-time.Minute)),
		ev(uuid.New(), model.LessonRequested{StudentID: student, Slot: slot(25), Zone: "centrum"}, now.Add(-10*time.Minute)),
		ev(uuid.New(), model.LessonRequested{StudentID: student, Slot: slot(26), Zone: "noord"}, now.Add(-2*time.Minute)),
	}
	demand := ZoneDemand(events, now, 5*time.Minute)
	if demand["centrum"] != 1 || demand["noord"] != 1 {
		t.Fatalf("unexpected demand %v", demand)
	}
}
