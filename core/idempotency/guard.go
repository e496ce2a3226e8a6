// Package idempotency wraps externally-triggered commands so that retries of
// the same logical request produce exactly one side-effect set.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/ledger"
)

// Handler is the business logic protected by the guard. It runs inside the
// same unit of work that claimed the key, so an error aborts both the claim
// and every fact the handler appended.
type Handler func(tx ledger.Tx) (any, error)

// Guard routes commands through idempotency-key claims on the ledger store.
type Guard struct {
	store ledger.Store
}

// NewGuard builds a guard over the given store.
func NewGuard(store ledger.Store) *Guard {
	return &Guard{store: store}
}

// Result carries the guarded command outcome.
type Result struct {
	// Response is the canonical JSON response stored under the key.
	Response []byte
	// Replayed is true when the key was seen before and the stored
	// response was returned without re-executing the handler.
	Replayed bool
}

// Do executes handler exactly once per key. A missing key is rejected with
// ErrInvalidRequest. When the key is already claimed and completed, the
// previously stored response is returned verbatim.
//
// Known race, inherited from the protocol rather than fixed here: a second
// caller arriving after the claim succeeded but before the handler finished
// may observe the key as taken while its response is not yet populated. The
// in-memory store serializes such callers on the key; stores without that
// property surface the placeholder here, turned into ErrConflict so the
// caller retries once the first attempt has finished.
func (g *Guard) Do(ctx context.Context, key string, handler Handler) (Result, error) {
	if key == "" {
		return Result{}, fault.Invalidf("idempotency key required")
	}
	var res Result
	err := g.store.WithinTx(ctx, func(tx ledger.Tx) error {
		claimed, stored, err := tx.ClaimIdempotencyKey(key)
		if err != nil {
			return err
		}
		if !claimed {
			if stored == nil {
				return fault.Conflictf("request with key %q still in progress", key)
			}
			res = Result{Response: stored, Replayed: true}
			return nil
		}
		out, err := handler(tx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal response for key %q: %w", key, err)
		}
		if err := tx.SaveIdempotencyResponse(key, body); err != nil {
			return err
		}
		res = Result{Response: body}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
