// Package projection contains the fold functions that derive current state
// from raw event history. Every fold is a pure function of (events, now):
// the ledger stores facts, the folds define what the facts mean, and no
// write-path decision is allowed to consult anything else.
package projection

import (
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
)

// RequestState is the folded state of one lesson_request identity.
type RequestState struct {
	RequestID uuid.UUID
	StudentID uuid.UUID
	Slot      model.TimeRange
	Zone      string

	// Wave is the number of the most recently started wave, 0 before the
	// first dispatch_started fact.
	Wave         int
	WaveSize     int
	WaveDeadline time.Time
	// WaveCompleted reports a wave_completed fact for the current wave.
	WaveCompleted bool
	// WavesStarted counts every dispatch_started fact so far.
	WavesStarted int

	Confirmed     bool
	ConfirmedBy   uuid.UUID
	LessonID      uuid.UUID
	Expired       bool
	ExpiredReason string

	// OfferedEver holds every instructor offered in any wave.
	OfferedEver map[uuid.UUID]bool
	// LatestOfferWave maps an instructor to the wave of their most recent
	// offer. Acceptance validity is decided against this value.
	LatestOfferWave map[uuid.UUID]int
}

// Terminal reports whether the request reached confirmed or expired.
func (s RequestState) Terminal() bool { return s.Confirmed || s.Expired }

// Due reports whether the current wave deadline has elapsed without the
// request being confirmed, expired, or wave-completed. Due requests are what
// the background sweep claims.
func (s RequestState) Due(now time.Time) bool {
	if s.Wave == 0 || s.Terminal() || s.WaveCompleted {
		return false
	}
	return now.After(s.WaveDeadline)
}

// FoldRequest folds the event history of a single lesson_request identity.
func FoldRequest(id uuid.UUID, events []model.Event) RequestState {
	st := RequestState{
		RequestID:       id,
		OfferedEver:     make(map[uuid.UUID]bool),
		LatestOfferWave: make(map[uuid.UUID]int),
	}
	for _, ev := range events {
		if ev.IdentityID != id {
			continue
		}
		switch p := ev.Payload.(type) {
		case model.LessonRequested:
			st.StudentID = p.StudentID
			st.Slot = p.Slot
			st.Zone = p.Zone
		case model.DispatchStarted:
			st.Wave = p.Wave
			st.WaveSize = p.WaveSize
			st.WaveDeadline = p.ExpiresAt
			st.WaveCompleted = false
			st.WavesStarted++
		case model.OfferSent:
			st.OfferedEver[ev.InstructorID] = true
			st.LatestOfferWave[ev.InstructorID] = p.Wave
		case model.WaveCompleted:
			if p.Wave == st.Wave {
				st.WaveCompleted = true
			}
		case model.LessonConfirmed:
			st.Confirmed = true
			st.ConfirmedBy = p.InstructorID
			st.LessonID = p.LessonID
		case model.RequestExpired:
			st.Expired = true
			st.ExpiredReason = p.Reason
		}
	}
	return st
}

// FoldRequests groups events by identity and folds every lesson_request
// present in the slice.
func FoldRequests(events []model.Event) map[uuid.UUID]RequestState {
	grouped := make(map[uuid.UUID][]model.Event)
	for _, ev := range events {
		grouped[ev.IdentityID] = append(grouped[ev.IdentityID], ev)
	}
	out := make(map[uuid.UUID]RequestState, len(grouped))
	for id, evs := range grouped {
		out[id] = FoldRequest(id, evs)
	}
	return out
}

// OnlineInstructors folds presence events into the set of instructors
// currently online, mapped to their last reported zone.
func OnlineInstructors(events []model.Event) map[uuid.UUID]string {
	online := make(map[uuid.UUID]string)
	for _, ev := range events {
		p, ok := ev.Payload.(model.InstructorPresence)
		if !ok {
			continue
		}
		switch ev.Type {
		case model.EventInstructorOnline:
			online[ev.IdentityID] = p.Zone
		case model.EventInstructorOffline:
			delete(online, ev.IdentityID)
		}
	}
	return online
}

// ActiveIdentities folds activation/deactivation pairs into the currently
// active set. The caller passes the matching activated/deactivated types.
func ActiveIdentities(events []model.Event, activated, deactivated model.EventType) map[uuid.UUID]bool {
	active := make(map[uuid.UUID]bool)
	for _, ev := range events {
		switch ev.Type {
		case activated:
			active[ev.IdentityID] = true
		case deactivated:
			delete(active, ev.IdentityID)
		}
	}
	return active
}

// InstructorStats aggregates the fairness signals of one instructor.
type InstructorStats struct {
	OffersSent   int
	Confirmed    int
	LastOfferAt  time.Time
	ActiveOffers int
}

// ConfirmRatio returns confirmed/sent, 0 when no offers were sent.
func (s InstructorStats) ConfirmRatio() float64 {
	if s.OffersSent == 0 {
		return 0
	}
	return float64(s.Confirmed) / float64(s.OffersSent)
}

// OfferStatistics folds offer_sent and lesson_confirmed events inside the
// trailing window into per-instructor counters, and derives the outstanding
// offer count from the request states.
func OfferStatistics(events []model.Event, requests map[uuid.UUID]RequestState, now time.Time, window time.Duration) map[uuid.UUID]InstructorStats {
	cutoff := now.Add(-window)
	stats := make(map[uuid.UUID]InstructorStats)
	for _, ev := range events {
		if ev.InstructorID == uuid.Nil || ev.CreatedAt.Before(cutoff) {
			continue
		}
		st := stats[ev.InstructorID]
		switch ev.Type {
		case model.EventOfferSent:
			st.OffersSent++
			if ev.CreatedAt.After(st.LastOfferAt) {
				st.LastOfferAt = ev.CreatedAt
			}
		case model.EventLessonConfirmed:
			st.Confirmed++
		}
		stats[ev.InstructorID] = st
	}
	for instructor, n := range ActiveOffers(requests, now) {
		st := stats[instructor]
		st.ActiveOffers = n
		stats[instructor] = st
	}
	return stats
}

// ActiveOffers counts, per instructor, the offers still outstanding: an
// offer in the current wave of a request that is neither terminal nor
// wave-completed, with the wave deadline still in the future.
func ActiveOffers(requests map[uuid.UUID]RequestState, now time.Time) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int)
	for _, st := range requests {
		if st.Terminal() || st.WaveCompleted || now.After(st.WaveDeadline) {
			continue
		}
		for instructor, wave := range st.LatestOfferWave {
			if wave == st.Wave {
				out[instructor]++
			}
		}
	}
	return out
}

// ScheduledLesson is the folded state of one lesson identity.
type ScheduledLesson struct {
	LessonID     uuid.UUID
	StudentID    uuid.UUID
	InstructorID uuid.UUID
	CarID        uuid.UUID
	Slot         model.TimeRange
	Cancelled    bool
	Completed    bool
}

// FoldLessons folds lesson_scheduled, lesson_cancelled and lesson_completed
// events into the set of known lessons.
func FoldLessons(events []model.Event) map[uuid.UUID]ScheduledLesson {
	lessons := make(map[uuid.UUID]ScheduledLesson)
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case model.LessonScheduled:
			lessons[ev.IdentityID] = ScheduledLesson{
				LessonID:     ev.IdentityID,
				StudentID:    p.StudentID,
				InstructorID: p.InstructorID,
				CarID:        p.CarID,
				Slot:         p.Slot,
			}
		case model.LessonCancelled:
			l := lessons[ev.IdentityID]
			l.Cancelled = true
			lessons[ev.IdentityID] = l
		case model.LessonCompleted:
			l := lessons[ev.IdentityID]
			l.Completed = true
			lessons[ev.IdentityID] = l
		}
	}
	return lessons
}

// InstructorBusy reports whether the instructor already holds a
// non-cancelled lesson overlapping the slot.
func InstructorBusy(lessons map[uuid.UUID]ScheduledLesson, instructor uuid.UUID, slot model.TimeRange) bool {
	for _, l := range lessons {
		if l.Cancelled || l.InstructorID != instructor {
			continue
		}
		if l.Slot.Overlaps(slot) {
			return true
		}
	}
	return false
}

// CarBusy reports whether the car already serves a non-cancelled lesson
// overlapping the slot.
func CarBusy(lessons map[uuid.UUID]ScheduledLesson, car uuid.UUID, slot model.TimeRange) bool {
	for _, l := range lessons {
		if l.Cancelled || l.CarID != car {
			continue
		}
		if l.Slot.Overlaps(slot) {
			return true
		}
	}
	return false
}

// ZoneDemand counts lesson_requested events per zone within the trailing
// window.
func ZoneDemand(events []model.Event, now time.Time, window time.Duration) map[string]int {
	cutoff := now.Add(-window)
	out := make(map[string]int)
	for _, ev := range events {
		p, ok := ev.Payload.(model.LessonRequested)
		if !ok || ev.CreatedAt.Before(cutoff) {
			continue
		}
		out[p.Zone]++
	}
	return out
}
