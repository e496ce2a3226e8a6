package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/events"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
	"github.com/driveline/driveline/internal/eventbus"
)

// SweepExpiredWaves advances every request whose wave deadline has elapsed.
// Each due request is claimed with a non-blocking lock and handled in its
// own unit of work, so concurrent sweepers never double-process a request
// and one stuck request never stalls the cycle. Claimed requests re-check
// the due predicates before acting, which makes retries after an aborted
// cycle safe.
func (e *Engine) SweepExpiredWaves(ctx context.Context) (int, error) {
	start := e.clock()
	due, err := e.dueRequests(ctx, start)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, requestID := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		handled, err := e.sweepOne(ctx, requestID)
		if err != nil {
			// This request stays claimable on the next cycle.
			e.log.Errorf("sweep request %s: %v", requestID, err)
			continue
		}
		if handled {
			processed++
		}
	}
	sweepDuration.Observe(time.Since(start).Seconds())
	if processed > 0 {
		e.log.Infof("sweep processed %d expired wave(s)", processed)
	}
	return processed, nil
}

// dueRequests scans the ledger for requests whose current wave deadline has
// passed. The scan is read-only; claiming happens per request afterwards.
func (e *Engine) dueRequests(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var due []uuid.UUID
	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		evs, err := tx.EventsOfTypes(time.Time{},
			model.EventLessonRequested, model.EventDispatchStarted, model.EventOfferSent,
			model.EventWaveCompleted, model.EventRequestExpired, model.EventLessonConfirmed)
		if err != nil {
			return err
		}
		for id, st := range projection.FoldRequests(evs) {
			if st.Due(now) {
				due = append(due, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].String() < due[j].String() })
	return due, nil
}

// sweepOne claims and advances a single request. It reports false when the
// claim was skipped or the request turned out not to be due anymore.
func (e *Engine) sweepOne(ctx context.Context, requestID uuid.UUID) (bool, error) {
	handled := false
	var notes []eventbus.Event
	var wave waveOutcome
	var zone string

	err := e.store.WithinTx(ctx, func(tx ledger.Tx) error {
		claimed, err := tx.TryLockIdentity(requestID)
		if err != nil {
			return err
		}
		if !claimed {
			sweepSkipped.Inc()
			return nil
		}

		now := e.clock()
		evs, err := tx.EventsByIdentity(requestID)
		if err != nil {
			return err
		}
		st := projection.FoldRequest(requestID, evs)
		if !st.Due(now) {
			// Confirmed, expired or already completed since the scan.
			return nil
		}
		zone = st.Zone

		if err := tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: requestID,
			Type:       model.EventWaveCompleted,
			Payload:    model.WaveCompleted{Wave: st.Wave, Reason: model.ReasonWaveTimeout},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		notes = append(notes, events.WaveTimedOut{RequestID: requestID, Wave: st.Wave})

		if st.WavesStarted >= e.cfg.MaxWaves {
			if err := tx.Append(model.Event{
				ID:         uuid.New(),
				IdentityID: requestID,
				Type:       model.EventRequestExpired,
				Payload:    model.RequestExpired{Reason: model.ReasonNoInstructorAccepted},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			notes = append(notes, events.RequestExpired{RequestID: requestID, Reason: model.ReasonNoInstructorAccepted})
			wave = waveOutcome{wave: st.WavesStarted, expired: true, expiredReason: model.ReasonNoInstructorAccepted}
			handled = true
			return nil
		}

		wave, err = e.startWave(tx, requestID, st.Wave+1, now)
		if err != nil {
			return err
		}
		notes = append(notes, wave.notifications(requestID)...)
		handled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if handled {
		e.publish(notes)
		wave.record(e, zone)
	}
	return handled, nil
}
