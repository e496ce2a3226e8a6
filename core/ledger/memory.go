package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/model"
)

// MemoryStore is the reference Store implementation. It keeps the event log
// in memory with per-identity mutexes standing in for row-level locks, which
// makes it the store of choice for tests and single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	log        []model.Event
	identities map[uuid.UUID]model.Identity
	responses  map[string][]byte

	lockMu   sync.Mutex
	rowLocks map[uuid.UUID]*sync.Mutex
	keyLocks map[string]*sync.Mutex

	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[uuid.UUID]model.Identity),
		responses:  make(map[string][]byte),
		rowLocks:   make(map[uuid.UUID]*sync.Mutex),
		keyLocks:   make(map[string]*sync.Mutex),
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Transientf("unit of work rejected: %v", err)
	}
	tx := &memTx{
		store:      s,
		identities: make(map[uuid.UUID]model.Identity),
		heldRows:   make(map[uuid.UUID]*sync.Mutex),
		heldKeys:   make(map[string]*sync.Mutex),
		responses:  make(map[string][]byte),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[id] = m
	}
	return m
}

func (s *MemoryStore) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

type memTx struct {
	store      *MemoryStore
	staged     []model.Event
	identities map[uuid.UUID]model.Identity
	responses  map[string][]byte
	heldRows   map[uuid.UUID]*sync.Mutex
	heldKeys   map[string]*sync.Mutex
	done       bool
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	now := s.clock()
	for id, ident := range t.identities {
		s.identities[id] = ident
	}
	for i := range t.staged {
		if t.staged[i].CreatedAt.IsZero() {
			t.staged[i].CreatedAt = now
		}
		s.log = append(s.log, t.staged[i])
	}
	for k, resp := range t.responses {
		s.responses[k] = resp
	}
	s.mu.Unlock()
	t.done = true
}

func (t *memTx) releaseLocks() {
	for _, m := range t.heldRows {
		m.Unlock()
	}
	for _, m := range t.heldKeys {
		m.Unlock()
	}
	t.heldRows = map[uuid.UUID]*sync.Mutex{}
	t.heldKeys = map[string]*sync.Mutex{}
}

// CreateIdentity implements Tx.
func (t *memTx) CreateIdentity(id uuid.UUID, typ model.IdentityType) (model.Identity, error) {
	if err := typ.Validate(); err != nil {
		return model.Identity{}, fault.Invalidf("%v", err)
	}
	if id == uuid.Nil {
		return model.Identity{}, fault.Invalidf("identity id required")
	}
	if _, ok, _ := t.Identity(id); ok {
		return model.Identity{}, fault.Conflictf("identity %s already exists", id)
	}
	ident := model.Identity{ID: id, Type: typ, CreatedAt: t.store.clock()}
	t.identities[id] = ident
	return ident, nil
}

// Identity implements Tx.
func (t *memTx) Identity(id uuid.UUID) (model.Identity, bool, error) {
	if ident, ok := t.identities[id]; ok {
		return ident, true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	ident, ok := t.store.identities[id]
	return ident, ok, nil
}

// Append implements Tx.
func (t *memTx) Append(ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return fault.Invalidf("%v", err)
	}
	if _, ok, _ := t.Identity(ev.IdentityID); !ok {
		return fault.NotFoundf("identity %s", ev.IdentityID)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.store.clock()
	}
	t.staged = append(t.staged, ev)
	return nil
}

// EventsByIdentity implements Tx.
func (t *memTx) EventsByIdentity(id uuid.UUID) ([]model.Event, error) {
	t.store.mu.RLock()
	var out []model.Event
	for _, ev := range t.store.log {
		if ev.IdentityID == id {
			out = append(out, ev)
		}
	}
	t.store.mu.RUnlock()
	for _, ev := range t.staged {
		if ev.IdentityID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

// EventsOfTypes implements Tx.
func (t *memTx) EventsOfTypes(since time.Time, types ...model.EventType) ([]model.Event, error) {
	wanted := make(map[model.EventType]bool, len(types))
	for _, typ := range types {
		wanted[typ] = true
	}
	match := func(ev model.Event) bool {
		if len(wanted) > 0 && !wanted[ev.Type] {
			return false
		}
		return since.IsZero() || !ev.CreatedAt.Before(since)
	}
	t.store.mu.RLock()
	var out []model.Event
	for _, ev := range t.store.log {
		if match(ev) {
			out = append(out, ev)
		}
	}
	t.store.mu.RUnlock()
	for _, ev := range t.staged {
		if match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LockIdentity implements Tx.
func (t *memTx) LockIdentity(id uuid.UUID) error {
	if _, held := t.heldRows[id]; held {
		return nil
	}
	m := t.store.rowLock(id)
	m.Lock()
	t.heldRows[id] = m
	return nil
}

// TryLockIdentity implements Tx.
func (t *memTx) TryLockIdentity(id uuid.UUID) (bool, error) {
	if _, held := t.heldRows[id]; held {
		return true, nil
	}
	m := t.store.rowLock(id)
	if !m.TryLock() {
		return false, nil
	}
	t.heldRows[id] = m
	return true, nil
}

// ClaimIdempotencyKey implements Tx. The claim takes the per-key lock for
// the remainder of the unit of work, so a concurrent submission of the same
// key waits for the owner to finish instead of reading a half-written
// placeholder. An aborted owner releases the key unclaimed.
func (t *memTx) ClaimIdempotencyKey(key string) (bool, []byte, error) {
	if key == "" {
		return false, nil, fault.Invalidf("idempotency key required")
	}
	if _, held := t.heldKeys[key]; !held {
		m := t.store.keyLock(key)
		m.Lock()
		t.heldKeys[key] = m
	}
	t.store.mu.RLock()
	stored, ok := t.store.responses[key]
	t.store.mu.RUnlock()
	if ok {
		return false, stored, nil
	}
	return true, nil, nil
}

// SaveIdempotencyResponse implements Tx.
func (t *memTx) SaveIdempotencyResponse(key string, response []byte) error {
	if _, held := t.heldKeys[key]; !held {
		return fault.Invalidf("idempotency key %q not claimed by this unit of work", key)
	}
	t.responses[key] = response
	return nil
}
