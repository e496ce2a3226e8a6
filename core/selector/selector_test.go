package selector

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func lessonSlot() model.TimeRange {
	return model.TimeRange{Start: base.Add(24 * time.Hour), End: base.Add(25 * time.Hour)}
}

func onlineSet(ids ...uuid.UUID) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		out[id] = "centrum"
	}
	return out
}

func TestSelectRanksByConfirmRatioThenLoad(t *testing.T) {
	best := uuid.New()   // 2/2 confirmed
	good := uuid.New()   // 1/2 confirmed
	light := uuid.New()  // 0 sent, ratio 0 but fewest offers
	loaded := uuid.New() // 0/3, most offers

	in := Input{
		Online: onlineSet(best, good, light, loaded),
		Stats: map[uuid.UUID]projection.InstructorStats{
			best:   {OffersSent: 2, Confirmed: 2, LastOfferAt: base},
			good:   {OffersSent: 2, Confirmed: 1, LastOfferAt: base},
			loaded: {OffersSent: 3, LastOfferAt: base},
		},
		WaveSize: 4,
	}
	got := Select(in)
	want := []uuid.UUID{best, good, light, loaded}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSelectBreaksTiesByRecencyThenID(t *testing.T) {
	early := uuid.New()
	late := uuid.New()
	in := Input{
		Online: onlineSet(early, late),
		Stats: map[uuid.UUID]projection.InstructorStats{
			early: {OffersSent: 1, LastOfferAt: base},
			late:  {OffersSent: 1, LastOfferAt: base.Add(time.Hour)},
		},
		WaveSize: 2,
	}
	got := Select(in)
	if got[0] != early {
		t.Fatalf("older last offer should rank first, got %s", got[0])
	}

	// Full tie falls back to id order for determinism.
	a, b := uuid.New(), uuid.New()
	if b.String() < a.String() {
		a, b = b, a
	}
	got = Select(Input{Online: onlineSet(a, b), WaveSize: 2})
	if got[0] != a || got[1] != b {
		t.Fatalf("tie not broken by id: %v", got)
	}
}

func TestSelectNeverRepeatsExcludedAndCapsAtWaveSize(t *testing.T) {
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
	}
	in := Input{
		Online:   onlineSet(ids...),
		Excluded: map[uuid.UUID]bool{ids[0]: true, ids[1]: true},
		WaveSize: 2,
	}
	got := Select(in)
	if len(got) != 2 {
		t.Fatalf("wave size not enforced, got %d", len(got))
	}
	for _, id := range got {
		if in.Excluded[id] {
			t.Fatalf("excluded instructor %s selected", id)
		}
	}
}

func TestSelectSkipsAtCapacityAndBookedInstructors(t *testing.T) {
	free := uuid.New()
	saturated := uuid.New()
	booked := uuid.New()
	lessonID := uuid.New()

	in := Input{
		Online: onlineSet(free, saturated, booked),
		Stats: map[uuid.UUID]projection.InstructorStats{
			saturated: {ActiveOffers: 3},
		},
		Lessons: map[uuid.UUID]projection.ScheduledLesson{
			lessonID: {LessonID: lessonID, InstructorID: booked, Slot: lessonSlot()},
		},
		Slot:                    lessonSlot(),
		WaveSize:                3,
		MaxActiveOffersPerInstr: 3,
	}
	got := Select(in)
	if len(got) != 1 || got[0] != free {
		t.Fatalf("expected only the free instructor, got %v", got)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	if got := Select(Input{WaveSize: 3}); len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}
