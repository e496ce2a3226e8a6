package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/model"
)

func appendLifecycle(tx Tx, id uuid.UUID, typ model.EventType) error {
	return tx.Append(model.Event{
		ID:         uuid.New(),
		IdentityID: id,
		Type:       typ,
		Payload:    model.NewLifecycleChange(typ, "test", "test"),
	})
}

func TestMemoryStoreCommitAndRollback(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		if _, err := tx.CreateIdentity(id, model.IdentityStudent); err != nil {
			return err
		}
		return appendLifecycle(tx, id, model.EventStudentCreated)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithinTx(context.Background(), func(tx Tx) error {
		if err := appendLifecycle(tx, id, model.EventStudentActivated); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error back, got %v", err)
	}

	err = store.WithinTx(context.Background(), func(tx Tx) error {
		evs, err := tx.EventsByIdentity(id)
		if err != nil {
			return err
		}
		if len(evs) != 1 {
			t.Fatalf("rolled back append leaked, have %d events", len(evs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestMemoryStoreReadYourWrites(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		if _, err := tx.CreateIdentity(id, model.IdentityInstructor); err != nil {
			return err
		}
		if err := appendLifecycle(tx, id, model.EventInstructorCreated); err != nil {
			return err
		}
		evs, err := tx.EventsByIdentity(id)
		if err != nil {
			return err
		}
		if len(evs) != 1 {
			t.Fatalf("staged write invisible inside tx, have %d events", len(evs))
		}
		byType, err := tx.EventsOfTypes(time.Time{}, model.EventInstructorCreated)
		if err != nil {
			return err
		}
		if len(byType) != 1 {
			t.Fatalf("staged write invisible to type query, have %d", len(byType))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestMemoryStoreAppendUnknownIdentity(t *testing.T) {
	store := NewMemoryStore()
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		return appendLifecycle(tx, uuid.New(), model.EventStudentCreated)
	})
	if !fault.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreCreateIdentityTwice(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		_, err := tx.CreateIdentity(id, model.IdentityCar)
		return err
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	err = store.WithinTx(context.Background(), func(tx Tx) error {
		_, err := tx.CreateIdentity(id, model.IdentityCar)
		return err
	})
	if !fault.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreTryLockSkipsHeldRows(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	holding := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = store.WithinTx(context.Background(), func(tx Tx) error {
			ok, err := tx.TryLockIdentity(id)
			if err != nil || !ok {
				t.Errorf("first claim failed: ok=%v err=%v", ok, err)
			}
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		ok, err := tx.TryLockIdentity(id)
		if err != nil {
			return err
		}
		if ok {
			t.Error("second claim succeeded while first was held")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
	close(release)

	// After release the row is claimable again.
	err = store.WithinTx(context.Background(), func(tx Tx) error {
		for i := 0; i < 100; i++ {
			ok, err := tx.TryLockIdentity(id)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		t.Error("row never became claimable after release")
		return nil
	})
	if err != nil {
		t.Fatalf("third tx: %v", err)
	}
}

func TestMemoryStoreIdempotencyClaimSerializes(t *testing.T) {
	store := NewMemoryStore()
	const key = "cmd-1"

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		claimed, _, err := tx.ClaimIdempotencyKey(key)
		if err != nil {
			return err
		}
		if !claimed {
			t.Fatal("fresh key not claimed")
		}
		return tx.SaveIdempotencyResponse(key, []byte(`{"ok":true}`))
	})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithinTx(context.Background(), func(tx Tx) error {
				claimed, stored, err := tx.ClaimIdempotencyKey(key)
				if err != nil {
					return err
				}
				if claimed {
					t.Error("completed key claimed again")
				}
				if string(stored) != `{"ok":true}` {
					t.Errorf("stored response mismatch: %s", stored)
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestMemoryStoreAbortedClaimFreesKey(t *testing.T) {
	store := NewMemoryStore()
	const key = "cmd-aborted"
	boom := errors.New("boom")

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		if claimed, _, err := tx.ClaimIdempotencyKey(key); err != nil || !claimed {
			t.Fatalf("fresh claim failed: claimed=%v err=%v", claimed, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected abort, got %v", err)
	}

	err = store.WithinTx(context.Background(), func(tx Tx) error {
		claimed, stored, err := tx.ClaimIdempotencyKey(key)
		if err != nil {
			return err
		}
		if !claimed || stored != nil {
			t.Fatalf("aborted key not freed: claimed=%v stored=%q", claimed, stored)
		}
		return tx.SaveIdempotencyResponse(key, []byte(`{}`))
	})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}
