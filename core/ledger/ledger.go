// Package ledger defines the append-only fact store every command writes
// through. The store knows nothing about dispatch semantics: it persists
// identities and events, serves them back for the projection folds, and
// provides the two concurrency primitives the engine builds on — blocking
// identity locks for the acceptance path and lock-or-skip claims for the
// background sweep.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/model"
)

// Tx is one atomic unit of work. Either every fact appended through it
// becomes durably visible, or none does. Reads observe the writes staged in
// the same unit of work.
type Tx interface {
	// CreateIdentity registers a new identity under the given id.
	CreateIdentity(id uuid.UUID, t model.IdentityType) (model.Identity, error)

	// Identity returns the identity record, if present.
	Identity(id uuid.UUID) (model.Identity, bool, error)

	// Append stores an immutable event. It fails with fault.ErrNotFound
	// when the subject identity does not exist.
	Append(ev model.Event) error

	// EventsByIdentity returns the full event history of one identity in
	// append order.
	EventsByIdentity(id uuid.UUID) ([]model.Event, error)

	// EventsOfTypes returns all events of the given types created at or
	// after since, in append order. A zero since means no lower bound.
	EventsOfTypes(since time.Time, types ...model.EventType) ([]model.Event, error)

	// LockIdentity takes an exclusive lock on the identity, blocking until
	// it is available. The lock is released when the unit of work ends.
	LockIdentity(id uuid.UUID) error

	// TryLockIdentity attempts the same lock without blocking and reports
	// whether it was acquired. Rows locked by another in-flight unit of
	// work are skipped, which is what makes concurrent sweepers safe.
	TryLockIdentity(id uuid.UUID) (bool, error)

	// ClaimIdempotencyKey atomically claims key for this unit of work.
	// When the key was already claimed and completed it returns
	// claimed=false together with the stored response. A claim by an
	// aborted unit of work leaves the key free for the next caller.
	ClaimIdempotencyKey(key string) (claimed bool, stored []byte, err error)

	// SaveIdempotencyResponse records the final response for a key claimed
	// in this unit of work.
	SaveIdempotencyResponse(key string, response []byte) error
}

// Store opens units of work against the underlying fact storage.
type Store interface {
	// WithinTx runs fn inside one atomic unit of work, committing on nil
	// and rolling back on error.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
