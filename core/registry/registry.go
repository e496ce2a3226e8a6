// Package registry owns the entity lifecycle commands: creating and
// (de)activating students, instructors and cars, tracking instructor
// presence, and confirming payments. Each transition is one validate then
// execute command appending exactly the facts the projections fold.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driveline/driveline/core/fault"
	"github.com/driveline/driveline/core/idempotency"
	"github.com/driveline/driveline/core/ledger"
	"github.com/driveline/driveline/core/logger"
	"github.com/driveline/driveline/core/model"
	"github.com/driveline/driveline/core/projection"
)

// Config holds the billing parameters applied on payment confirmation.
type Config struct {
	CommissionRate float64 `json:"commission_rate"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.CommissionRate == 0 {
		c.CommissionRate = 0.20
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("commission_rate must be in [0,1)")
	}
	return nil
}

// Registry executes lifecycle and billing commands against the ledger.
type Registry struct {
	store ledger.Store
	guard *idempotency.Guard
	cfg   Config
	log   logger.Logger
	clock func() time.Time
}

// New builds a registry. log may be nil.
func New(store ledger.Store, cfg Config, log logger.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry: nil store provided to New")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Registry{
		store: store,
		guard: idempotency.NewGuard(store),
		cfg:   cfg,
		log:   log,
		clock: time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(clock func() time.Time) { r.clock = clock }

// CreateCommand opens a new identity of the given kind.
type CreateCommand struct {
	PerformedBy string
	Source      string
}

// CreateStudent registers a student identity and its created fact.
func (r *Registry) CreateStudent(ctx context.Context, cmd CreateCommand) (uuid.UUID, error) {
	return r.create(ctx, model.IdentityStudent, model.EventStudentCreated, cmd)
}

// CreateInstructor registers an instructor identity and its created fact.
func (r *Registry) CreateInstructor(ctx context.Context, cmd CreateCommand) (uuid.UUID, error) {
	return r.create(ctx, model.IdentityInstructor, model.EventInstructorCreated, cmd)
}

// CreateCar registers a car identity and its created fact.
func (r *Registry) CreateCar(ctx context.Context, cmd CreateCommand) (uuid.UUID, error) {
	return r.create(ctx, model.IdentityCar, model.EventCarCreated, cmd)
}

func (r *Registry) create(ctx context.Context, kind model.IdentityType, created model.EventType, cmd CreateCommand) (uuid.UUID, error) {
	id := uuid.New()
	err := r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.CreateIdentity(id, kind); err != nil {
			return err
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: id,
			Type:       created,
			Payload:    model.NewLifecycleChange(created, cmd.PerformedBy, cmd.Source),
			CreatedAt:  r.clock(),
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	r.log.Infof("%s created id=%s", kind, id)
	return id, nil
}

// transitions maps each identity kind to its activation event pair.
var transitions = map[model.IdentityType]struct {
	activated   model.EventType
	deactivated model.EventType
}{
	model.IdentityStudent:    {model.EventStudentActivated, model.EventStudentDeactivated},
	model.IdentityInstructor: {model.EventInstructorActivated, model.EventInstructorDeactivated},
	model.IdentityCar:        {model.EventCarActivated, model.EventCarDeactivated},
}

// Activate appends the activation fact for any student, instructor or car.
// It fails with Conflict when the identity is already active.
func (r *Registry) Activate(ctx context.Context, id uuid.UUID, cmd CreateCommand) error {
	return r.flip(ctx, id, cmd, true)
}

// Deactivate appends the deactivation fact. It fails with Conflict when the
// identity is not active.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID, cmd CreateCommand) error {
	return r.flip(ctx, id, cmd, false)
}

func (r *Registry) flip(ctx context.Context, id uuid.UUID, cmd CreateCommand, toActive bool) error {
	if id == uuid.Nil {
		return fault.Invalidf("identity id required")
	}
	return r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.LockIdentity(id); err != nil {
			return err
		}
		ident, ok, err := tx.Identity(id)
		if err != nil {
			return err
		}
		if !ok {
			return fault.NotFoundf("identity %s", id)
		}
		pair, ok := transitions[ident.Type]
		if !ok {
			return fault.Invalidf("identity %s of type %s has no activation lifecycle", id, ident.Type)
		}

		evs, err := tx.EventsByIdentity(id)
		if err != nil {
			return err
		}
		active := projection.ActiveIdentities(evs, pair.activated, pair.deactivated)[id]
		if toActive && active {
			return fault.Conflictf("%s %s already active", ident.Type, id)
		}
		if !toActive && !active {
			return fault.Conflictf("%s %s not active", ident.Type, id)
		}

		evType := pair.activated
		if !toActive {
			evType = pair.deactivated
		}
		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: id,
			Type:       evType,
			Payload:    model.NewLifecycleChange(evType, cmd.PerformedBy, cmd.Source),
			CreatedAt:  r.clock(),
		})
	})
}

// PresenceCommand moves an instructor online or offline.
type PresenceCommand struct {
	InstructorID uuid.UUID
	Online       bool
	Zone         string
}

// SetPresence appends an instructor_online or instructor_offline fact. Going
// online while already online refreshes the zone; going offline requires the
// instructor to be online.
func (r *Registry) SetPresence(ctx context.Context, cmd PresenceCommand) error {
	if cmd.InstructorID == uuid.Nil {
		return fault.Invalidf("instructor_id required")
	}
	return r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.LockIdentity(cmd.InstructorID); err != nil {
			return err
		}
		ident, ok, err := tx.Identity(cmd.InstructorID)
		if err != nil {
			return err
		}
		if !ok || ident.Type != model.IdentityInstructor {
			return fault.NotFoundf("instructor %s", cmd.InstructorID)
		}

		evs, err := tx.EventsByIdentity(cmd.InstructorID)
		if err != nil {
			return err
		}
		if cmd.Online {
			active := projection.ActiveIdentities(evs, model.EventInstructorActivated, model.EventInstructorDeactivated)[cmd.InstructorID]
			if !active {
				return fault.Conflictf("instructor %s not active", cmd.InstructorID)
			}
		} else {
			_, online := projection.OnlineInstructors(evs)[cmd.InstructorID]
			if !online {
				return fault.Conflictf("instructor %s not online", cmd.InstructorID)
			}
		}

		return tx.Append(model.Event{
			ID:         uuid.New(),
			IdentityID: cmd.InstructorID,
			Type:       model.NewInstructorPresence(cmd.Zone, cmd.Online).EventType(),
			Payload:    model.NewInstructorPresence(cmd.Zone, cmd.Online),
			CreatedAt:  r.clock(),
		})
	})
}

// ConfirmPaymentCommand finalizes a pending payment. Confirmation is an
// externally-triggered command, so it carries an idempotency key and a retry
// of the same confirmation replays the stored response instead of
// conflicting.
type ConfirmPaymentCommand struct {
	IdempotencyKey string
	PaymentID      uuid.UUID
}

// ConfirmPaymentResult reports the commission split applied on confirmation.
type ConfirmPaymentResult struct {
	PaymentID       uuid.UUID `json:"payment_id"`
	Amount          float64   `json:"amount"`
	Commission      float64   `json:"commission"`
	InstructorShare float64   `json:"instructor_share"`
}

// ConfirmPayment appends the payment_confirmed fact and the commission split
// derived from the configured rate, behind the idempotency guard.
func (r *Registry) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (idempotency.Result, error) {
	if cmd.PaymentID == uuid.Nil {
		return idempotency.Result{}, fault.Invalidf("payment_id required")
	}
	return r.guard.Do(ctx, cmd.IdempotencyKey, func(tx ledger.Tx) (any, error) {
		return r.confirmPayment(tx, cmd.PaymentID)
	})
}

func (r *Registry) confirmPayment(tx ledger.Tx, paymentID uuid.UUID) (ConfirmPaymentResult, error) {
	if err := tx.LockIdentity(paymentID); err != nil {
		return ConfirmPaymentResult{}, err
	}
	ident, ok, err := tx.Identity(paymentID)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	if !ok || ident.Type != model.IdentityPayment {
		return ConfirmPaymentResult{}, fault.NotFoundf("payment %s", paymentID)
	}

	evs, err := tx.EventsByIdentity(paymentID)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	var created *model.PaymentCreated
	confirmed := false
	for _, ev := range evs {
		switch p := ev.Payload.(type) {
		case model.PaymentCreated:
			created = &p
		case model.PaymentConfirmed:
			confirmed = true
		}
	}
	if created == nil {
		return ConfirmPaymentResult{}, fault.Conflictf("payment %s has no created fact", paymentID)
	}
	if confirmed {
		return ConfirmPaymentResult{}, fault.Conflictf("payment %s already confirmed", paymentID)
	}

	now := r.clock()
	if err := tx.Append(model.Event{
		ID:         uuid.New(),
		IdentityID: paymentID,
		Type:       model.EventPaymentConfirmed,
		Payload:    model.PaymentConfirmed{ConfirmedAt: now},
		CreatedAt:  now,
	}); err != nil {
		return ConfirmPaymentResult{}, err
	}
	commission := created.Amount * r.cfg.CommissionRate
	share := created.Amount - commission
	if err := tx.Append(model.Event{
		ID:         uuid.New(),
		IdentityID: paymentID,
		Type:       model.EventCommissionComputed,
		Payload:    model.CommissionComputed{Commission: commission, InstructorShare: share},
		CreatedAt:  now,
	}); err != nil {
		return ConfirmPaymentResult{}, err
	}
	return ConfirmPaymentResult{PaymentID: paymentID, Amount: created.Amount, Commission: commission, InstructorShare: share}, nil
}
