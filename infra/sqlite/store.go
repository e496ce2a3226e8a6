// Package sqlite implements the ledger on a SQLite database. Row claims use
// a lease table written outside the unit of work, so multiple worker
// processes sharing the database file sweep safely without an application
// mutex.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/model"
)

const (
	leaseTTL    = 30 * time.Second
	lockRetry   = 10 * time.Millisecond
	lockWaitMax = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    identity_id TEXT NOT NULL REFERENCES identities(id),
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    instructor_id TEXT NOT NULL DEFAULT '',
    car_id TEXT NOT NULL DEFAULT '',
    lesson_start INTEGER NOT NULL DEFAULT 0,
    lesson_end INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_identity ON events(identity_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(type, created_at);
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    response TEXT,
    completed INTEGER NOT NULL DEFAULT 0,
    claimed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS row_claims (
    identity_id TEXT PRIMARY KEY,
    claimed_at INTEGER NOT NULL
);`

// Store persists the ledger in a SQLite database.
type Store struct {
	db     *sql.DB
	claims *sql.DB
	clock  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Open opens or creates the database at path and ensures schema. The claims
// connection runs in autocommit so leases become visible to other workers
// before the claiming unit of work commits.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	claims, err := sql.Open("sqlite", dsn)
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (open claims err: %w)", cerr, err)
		}
		return nil, fmt.Errorf("open claims db: %w", err)
	}
	return &Store{db: db, claims: claims, clock: time.Now}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

// Close implements ledger.Store.
func (s *Store) Close() error {
	if err := s.claims.Close(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

// WithinTx implements ledger.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Transientf("begin unit of work: %v", err)
	}
	tx := &sqlTx{store: s, ctx: ctx, tx: dbtx, claimedKeys: make(map[string]bool)}
	defer tx.releaseClaims()

	if err := fn(tx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fault.Transientf("commit unit of work: %v", err)
	}
	return nil
}

type sqlTx struct {
	store       *Store
	ctx         context.Context
	tx          *sql.Tx
	heldRows    map[uuid.UUID]int64
	claimedKeys map[string]bool
}

// releaseClaims drops every lease this unit of work took, whether it
// committed or not. Leases a newer worker took over are left alone.
func (t *sqlTx) releaseClaims() {
	for id, claimedAt := range t.heldRows {
		_, _ = t.store.claims.ExecContext(context.Background(),
			`DELETE FROM row_claims WHERE identity_id = ? AND claimed_at = ?`,
			id.String(), claimedAt)
	}
	t.heldRows = nil
}

// CreateIdentity implements ledger.Tx.
func (t *sqlTx) CreateIdentity(id uuid.UUID, typ model.IdentityType) (model.Identity, error) {
	if err := typ.Validate(); err != nil {
		return model.Identity{}, fault.Invalidf("%v", err)
	}
	if id == uuid.Nil {
		return model.Identity{}, fault.Invalidf("identity id required")
	}
	now := t.store.clock()
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO identities (id, type, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id.String(), string(typ), now.UnixNano())
	if err != nil {
		return model.Identity{}, fault.Transientf("create identity: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Identity{}, fault.Conflictf("identity %s already exists", id)
	}
	return model.Identity{ID: id, Type: typ, CreatedAt: now}, nil
}

// Identity implements ledger.Tx.
func (t *sqlTx) Identity(id uuid.UUID) (model.Identity, bool, error) {
	var typ string
	var createdAt int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT type, created_at FROM identities WHERE id = ?`, id.String()).
		Scan(&typ, &createdAt)
	if err == sql.ErrNoRows {
		return model.Identity{}, false, nil
	}
	if err != nil {
		return model.Identity{}, false, fault.Transientf("read identity: %v", err)
	}
	return model.Identity{ID: id, Type: model.IdentityType(typ), CreatedAt: time.Unix(0, createdAt)}, true, nil
}

// Append implements ledger.Tx.
func (t *sqlTx) Append(ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return fault.Invalidf("%v", err)
	}
	if _, ok, err := t.Identity(ev.IdentityID); err != nil {
		return err
	} else if !ok {
		return fault.NotFoundf("identity %s", ev.IdentityID)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.store.clock()
	}
	payload, err := model.EncodePayload(ev.Payload)
	if err != nil {
		return fault.Invalidf("%v", err)
	}
	var lessonStart, lessonEnd int64
	if !ev.Lesson.IsZero() {
		lessonStart = ev.Lesson.Start.UnixNano()
		lessonEnd = ev.Lesson.End.UnixNano()
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO events (id, identity_id, type, payload, instructor_id, car_id, lesson_start, lesson_end, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.IdentityID.String(), string(ev.Type), string(payload),
		optionalID(ev.InstructorID), optionalID(ev.CarID),
		lessonStart, lessonEnd, ev.CreatedAt.UnixNano())
	if err != nil {
		return fault.Transientf("append event: %v", err)
	}
	return nil
}

// EventsByIdentity implements ledger.Tx.
func (t *sqlTx) EventsByIdentity(id uuid.UUID) ([]model.Event, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, identity_id, type, payload, instructor_id, car_id, lesson_start, lesson_end, created_at
		 FROM events WHERE identity_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fault.Transientf("query events: %v", err)
	}
	return scanEvents(rows)
}

// EventsOfTypes implements ledger.Tx.
func (t *sqlTx) EventsOfTypes(since time.Time, types ...model.EventType) ([]model.Event, error) {
	query := `SELECT id, identity_id, type, payload, instructor_id, car_id, lesson_start, lesson_end, created_at
	 FROM events WHERE 1=1`
	var args []any
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, typ := range types {
			args = append(args, string(typ))
		}
	}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UnixNano())
	}
	query += ` ORDER BY seq`
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fault.Transientf("query events: %v", err)
	}
	return scanEvents(rows)
}

// LockIdentity implements ledger.Tx. SQLite has no blocking row lock, so the
// exclusive lock is a lease acquired by bounded retry.
func (t *sqlTx) LockIdentity(id uuid.UUID) error {
	deadline := time.Now().Add(lockWaitMax)
	for {
		ok, err := t.TryLockIdentity(id)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.Transientf("identity %s lock not acquired within %s", id, lockWaitMax)
		}
		select {
		case <-t.ctx.Done():
			return fault.Transientf("identity %s lock wait cancelled: %v", id, t.ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

// TryLockIdentity implements ledger.Tx. The insert succeeds when no lease
// exists or the existing lease expired, which lets a crashed worker's claims
// be taken over after the TTL.
func (t *sqlTx) TryLockIdentity(id uuid.UUID) (bool, error) {
	if _, held := t.heldRows[id]; held {
		return true, nil
	}
	now := t.store.clock().UnixNano()
	stale := now - leaseTTL.Nanoseconds()
	res, err := t.store.claims.ExecContext(t.ctx,
		`INSERT INTO row_claims (identity_id, claimed_at) VALUES (?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET claimed_at = excluded.claimed_at
		 WHERE row_claims.claimed_at <= ?`,
		id.String(), now, stale)
	if err != nil {
		return false, fault.Transientf("claim identity %s: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Transientf("claim identity %s: %v", id, err)
	}
	if n == 0 {
		return false, nil
	}
	if t.heldRows == nil {
		t.heldRows = make(map[uuid.UUID]int64)
	}
	t.heldRows[id] = now
	return true, nil
}

// ClaimIdempotencyKey implements ledger.Tx. The insert is staged in the unit
// of work, so an aborted owner leaves no trace and the next caller claims
// fresh. A stored row without a response is the documented placeholder read.
func (t *sqlTx) ClaimIdempotencyKey(key string) (bool, []byte, error) {
	if key == "" {
		return false, nil, fault.Invalidf("idempotency key required")
	}
	var stored sql.NullString
	var completed int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT response, completed FROM idempotency_keys WHERE key = ?`, key).
		Scan(&stored, &completed)
	switch {
	case err == sql.ErrNoRows:
		// fresh claim below
	case err != nil:
		return false, nil, fault.Transientf("read idempotency key: %v", err)
	default:
		if stored.Valid {
			return false, []byte(stored.String), nil
		}
		return false, nil, nil
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO idempotency_keys (key, completed, claimed_at) VALUES (?, 0, ?)`,
		key, t.store.clock().UnixNano()); err != nil {
		return false, nil, fault.Transientf("claim idempotency key: %v", err)
	}
	t.claimedKeys[key] = true
	return true, nil, nil
}

// SaveIdempotencyResponse implements ledger.Tx.
func (t *sqlTx) SaveIdempotencyResponse(key string, response []byte) error {
	if !t.claimedKeys[key] {
		return fault.Invalidf("idempotency key %q not claimed by this unit of work", key)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE idempotency_keys SET response = ?, completed = 1 WHERE key = ?`,
		string(response), key); err != nil {
		return fault.Transientf("save idempotency response: %v", err)
	}
	return nil
}

func optionalID(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer func() { _ = rows.Close() }()
	var out []model.Event
	for rows.Next() {
		var (
			idStr, identityStr, typ, payload, instructorStr, carStr string
			lessonStart, lessonEnd, createdAt                       int64
		)
		if err := rows.Scan(&idStr, &identityStr, &typ, &payload, &instructorStr, &carStr, &lessonStart, &lessonEnd, &createdAt); err != nil {
			return nil, fault.Transientf("scan event: %v", err)
		}
		ev := model.Event{
			Type:      model.EventType(typ),
			CreatedAt: time.Unix(0, createdAt),
		}
		var err error
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		if ev.IdentityID, err = uuid.Parse(identityStr); err != nil {
			return nil, fmt.Errorf("parse event identity id: %w", err)
		}
		if instructorStr != "" {
			if ev.InstructorID, err = uuid.Parse(instructorStr); err != nil {
				return nil, fmt.Errorf("parse event instructor id: %w", err)
			}
		}
		if carStr != "" {
			if ev.CarID, err = uuid.Parse(carStr); err != nil {
				return nil, fmt.Errorf("parse event car id: %w", err)
			}
		}
		if lessonStart != 0 || lessonEnd != 0 {
			ev.Lesson = model.TimeRange{Start: time.Unix(0, lessonStart), End: time.Unix(0, lessonEnd)}
		}
		if ev.Payload, err = model.DecodePayload(ev.Type, []byte(payload)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transientf("iterate events: %v", err)
	}
	return out, nil
}
