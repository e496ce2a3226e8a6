// Package selector ranks eligible instructors for a pending lesson request.
// The ordering balances confirmation quality against recent offer load so
// that broadcast waves spread work fairly across the fleet.
package selector

import (
	"sort"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
)

// Input carries the projections a selection draws from.
type Input struct {
	// Online maps currently online instructors to their zone.
	Online map[uuid.UUID]string
	// Stats holds the trailing-window fairness counters.
	Stats map[uuid.UUID]projection.InstructorStats
	// Lessons is used to skip instructors already booked over the slot.
	Lessons map[uuid.UUID]projection.ScheduledLesson

	// Excluded removes instructors offered in earlier waves of the same
	// request.
	Excluded map[uuid.UUID]bool
	// Slot is the requested lesson range; a zero slot disables the
	// overlap check.
	Slot model.TimeRange

	WaveSize                int
	MaxActiveOffersPerInstr int
}

// Select returns at most WaveSize instructor ids, best candidate first. An
// empty result is valid and means no eligible candidates exist.
func Select(in Input) []uuid.UUID {
	candidates := make([]uuid.UUID, 0, len(in.Online))
	for id := range in.Online {
		if in.Excluded[id] {
			continue
		}
		if in.MaxActiveOffersPerInstr > 0 && in.Stats[id].ActiveOffers >= in.MaxActiveOffersPerInstr {
			continue
		}
		if !in.Slot.IsZero() && projection.InstructorBusy(in.Lessons, id, in.Slot) {
			continue
		}
		candidates = append(candidates, id)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := in.Stats[candidates[i]], in.Stats[candidates[j]]
		if ra, rb := a.ConfirmRatio(), b.ConfirmRatio(); ra != rb {
			return ra > rb
		}
		if a.OffersSent != b.OffersSent {
			return a.OffersSent < b.OffersSent
		}
		if !a.LastOfferAt.Equal(b.LastOfferAt) {
			return a.LastOfferAt.Before(b.LastOfferAt)
		}
		return candidates[i].String() < candidates[j].String()
	})

	if in.WaveSize > 0 && len(candidates) > in.WaveSize {
		candidates = candidates[:in.WaveSize]
	}
	return candidates
}
