// Package dispatch implements the offer lifecycle for lesson requests.
//
// A lesson request moves through up to three dispatch waves. Each wave
// selects a ranked set of online instructors and sends them an offer; the
// first instructor to accept wins the lesson. Waves that reach their
// deadline without an acceptance are completed by a background sweep,
// which either escalates to the next wave or expires the request.
//
// Key components:
//   - Engine: handles lesson requests, offer sending and state reads.
//   - AcceptOffer: the single-winner acceptance transaction.
//   - SweepExpiredWaves: claim-once timeout processing, run on a scheduler.
//
// All state is derived by folding the event ledger; the engine never keeps
// request state in memory between calls. Commands that carry an
// idempotency key route through idempotency.Guard so retries replay the
// stored response instead of re-executing.
package dispatch
