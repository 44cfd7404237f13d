package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

type Observer interface {
	BookingTransition(to string)
	IdempotentReplay(scope string)
}

type nopObserver struct{}

func (nopObserver) BookingTransition(string) {}
func (nopObserver) IdempotentReplay(string)  {}

// Machine drives bookings through their lifecycle. Every transition and the events it emits
// are written in one store unit; guard claims are taken before the unit and given back after it.
type Machine struct {
	store    storage.Store
	guard    guard.Guard
	ledger   idempotency.Ledger
	policy   policy.Provider
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

func NewMachine(store storage.Store, g guard.Guard, ledger idempotency.Ledger, pol policy.Provider, clk clock.Clock, logger *slog.Logger) *Machine {
	if clk == nil {
		clk = clock.System()
	}
	if pol == nil {
		pol = policy.Window{}
	}
	return &Machine{
		store:    store,
		guard:    g,
		ledger:   ledger,
		policy:   pol,
		clock:    clk,
		logger:   logger,
		observer: nopObserver{},
	}
}

func (m *Machine) WithObserver(o Observer) *Machine {
	if o != nil {
		m.observer = o
	}
	return m
}

func (m *Machine) Get(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return m.store.GetBooking(ctx, tenantID, bookingID)
}

func (m *Machine) List(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Booking, error) {
	return m.store.ListBookings(ctx, tenantID, resourceID, window)
}

type CreateRequest struct {
	TenantID          string
	CustomerID        string
	ResourceID        string
	HoldID            string
	ServiceID         string
	Interval          model.Interval
	ClientGeneratedID string
	// Confirm creates the booking directly in the confirmed state.
	Confirm bool
}

func (r CreateRequest) validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return model.Invalid("tenant_id", "required")
	case strings.TrimSpace(r.ResourceID) == "" && r.HoldID == "":
		return model.Invalid("resource_id", "required")
	case strings.TrimSpace(r.ServiceID) == "":
		return model.Invalid("service_id", "required")
	case strings.TrimSpace(r.ClientGeneratedID) == "":
		return model.Invalid("client_generated_id", "required")
	case r.HoldID == "" && !r.Interval.Valid():
		return &model.InvalidRangeError{From: r.Interval.Start, To: r.Interval.End}
	}
	return nil
}

// Create books an interval, either by converting a live hold or by claiming the interval
// directly. A repeated client id returns the booking created the first time; a replay whose
// booking already left the occupying states also returns an AlreadyConsumedError.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (model.Booking, error) {
	if err := req.validate(); err != nil {
		return model.Booking{}, err
	}
	key := idempotency.Key{TenantID: req.TenantID, Scope: idempotency.ScopeBooking, ClientGeneratedID: req.ClientGeneratedID}
	var out model.Booking
	err := m.idempotent(ctx, key,
		func(ctx context.Context, id string) error {
			b, err := m.store.GetBooking(ctx, req.TenantID, id)
			out = b
			if err == nil && b.Status.Terminal() {
				return &model.AlreadyConsumedError{Entity: "booking", ID: b.ID, State: string(b.Status)}
			}
			return err
		},
		func(ctx context.Context) (string, error) {
			if b, err := m.store.FindBookingByClientID(ctx, req.TenantID, req.ClientGeneratedID); err == nil {
				out = b
				return b.ID, nil
			} else if !errors.Is(err, model.ErrUnknownBooking) {
				return "", err
			}
			b, err := m.create(ctx, req)
			if err != nil {
				return "", err
			}
			out = b
			return b.ID, nil
		},
	)
	return out, err
}

func (m *Machine) create(ctx context.Context, req CreateRequest) (model.Booking, error) {
	var hold *model.Hold
	if req.HoldID != "" {
		h, err := m.store.GetHold(ctx, req.TenantID, req.HoldID)
		if err != nil {
			return model.Booking{}, err
		}
		if req.ResourceID != "" && req.ResourceID != h.ResourceID {
			return model.Booking{}, model.Invalid("hold_id", "belongs to another resource")
		}
		req.ResourceID = h.ResourceID
		if !req.Interval.Valid() {
			req.Interval = h.Interval
		}
		hold = &h
	}

	res, err := m.store.GetResource(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return model.Booking{}, err
	}
	if !res.Active {
		return model.Booking{}, model.UnknownResource(req.ResourceID)
	}
	svc, err := m.store.GetService(ctx, req.TenantID, req.ServiceID)
	if err != nil {
		return model.Booking{}, err
	}

	now := m.clock.Now()
	snap := svc.Snapshot()
	b := model.Booking{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		ResourceID:        res.ID,
		CustomerID:        req.CustomerID,
		Interval:          req.Interval.UTC(),
		ClaimInterval:     req.Interval.Pad(snap.BufferBefore, snap.BufferAfter).UTC(),
		Timezone:          res.Timezone,
		Status:            model.BookingPending,
		ClientGeneratedID: req.ClientGeneratedID,
		Service:           snap,
		Fee:               model.Fee{Status: model.FeeNone},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Confirm {
		b.Status = model.BookingConfirmed
		b.ConfirmedAt = &now
	}

	if hold != nil {
		if !hold.ClaimInterval.Contains(b.ClaimInterval) || snap.CapacityUnits > hold.CapacityCost {
			return model.Booking{}, model.Invalid("hold_id", "hold does not cover the booking")
		}
		b.HoldID = hold.ID
		b.ClaimID = hold.ClaimID
		err := m.store.InTx(ctx, func(tx storage.Tx) error {
			h, err := tx.TransitionHold(ctx, storage.HoldTransition{
				TenantID:  hold.TenantID,
				HoldID:    hold.ID,
				From:      model.HoldActive,
				To:        model.HoldConsumed,
				At:        now,
				BookingID: b.ID,
			})
			if errors.Is(err, storage.ErrStale) {
				return holdNotConvertible(h)
			}
			if err != nil {
				return err
			}
			return m.insert(ctx, tx, now, b)
		})
		if err != nil {
			return model.Booking{}, err
		}
		m.observer.BookingTransition(string(b.Status))
		return b, nil
	}

	b.ClaimID = uuid.NewString()
	if _, err := m.guard.TryClaim(ctx, guard.ClaimRequest{
		ClaimID:    b.ClaimID,
		TenantID:   b.TenantID,
		ResourceID: b.ResourceID,
		OwnerID:    b.ID,
		Interval:   b.ClaimInterval,
		Cost:       snap.CapacityUnits,
		Capacity:   res.Capacity,
	}); err != nil {
		return model.Booking{}, err
	}
	if err := m.store.InTx(ctx, func(tx storage.Tx) error {
		return m.insert(ctx, tx, now, b)
	}); err != nil {
		m.releaseClaim(ctx, b.ClaimID)
		return model.Booking{}, err
	}
	m.observer.BookingTransition(string(b.Status))
	return b, nil
}

func (m *Machine) insert(ctx context.Context, tx storage.Tx, now time.Time, b model.Booking) error {
	if err := tx.InsertBooking(ctx, b); err != nil {
		return err
	}
	if b.Status == model.BookingConfirmed {
		return appendEvent(ctx, tx, now, b, model.EventBookingConfirmed)
	}
	return nil
}

func holdNotConvertible(h model.Hold) error {
	if h.State == model.HoldConsumed {
		return &model.AlreadyConsumedError{Entity: "hold", ID: h.ID, State: string(h.State)}
	}
	state := string(h.State)
	if h.State == model.HoldActive {
		state = string(model.HoldExpired)
	}
	return &model.InvalidTransitionError{Entity: "hold", ID: h.ID, From: state, To: string(model.HoldConsumed)}
}

// Confirm moves a pending booking to confirmed. Confirming a confirmed booking returns it unchanged.
func (m *Machine) Confirm(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	current, err := m.store.GetBooking(ctx, tenantID, bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if current.Status == model.BookingPending {
		active, err := m.guard.Active(ctx, current.ClaimID)
		if err != nil {
			return model.Booking{}, err
		}
		if !active {
			return model.Booking{}, &model.SlotUnavailableError{ResourceID: current.ResourceID, Interval: current.Interval}
		}
	}

	var out model.Booking
	changed := false
	err = m.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, tenantID, bookingID)
		if err != nil {
			return err
		}
		out = b
		switch b.Status {
		case model.BookingConfirmed:
			return nil
		case model.BookingPending:
		default:
			return transitionError(b, model.BookingConfirmed)
		}
		now := m.clock.Now()
		b.Status = model.BookingConfirmed
		b.ConfirmedAt = &now
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, now, b, model.EventBookingConfirmed); err != nil {
			return err
		}
		out, changed = b, true
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		m.observer.BookingTransition(string(out.Status))
	}
	return out, nil
}

type CancelRequest struct {
	TenantID  string
	BookingID string
	Reason    string
}

// Cancel moves a pending or confirmed booking to canceled and frees its interval. A late
// cancellation may request a fee capture. Canceling a canceled booking returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, req CancelRequest) (model.Booking, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "canceled"
	}
	var out model.Booking
	changed := false
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, req.TenantID, req.BookingID)
		if err != nil {
			return err
		}
		out = b
		if b.Status == model.BookingCanceled {
			return nil
		}
		if !b.Status.Occupying() {
			return transitionError(b, model.BookingCanceled)
		}
		now := m.clock.Now()
		decision, err := m.policy.CancellationFee(ctx, b, now)
		if err != nil {
			return err
		}
		b.Status = model.BookingCanceled
		b.CanceledAt = &now
		b.CancelReason = reason
		b.UpdatedAt = now
		if err := m.finish(ctx, tx, now, &b, decision, model.EventBookingCanceled, "cancel"); err != nil {
			return err
		}
		out, changed = b, true
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		m.releaseClaim(ctx, out.ClaimID)
		m.observer.BookingTransition(string(out.Status))
	}
	return out, nil
}

// MarkNoShow records that the customer of a confirmed booking did not attend. It is only
// allowed once the booking has ended.
func (m *Machine) MarkNoShow(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return m.close(ctx, tenantID, bookingID, model.BookingNoShow)
}

// Complete records that a confirmed booking took place. It is only allowed once the booking has ended.
func (m *Machine) Complete(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return m.close(ctx, tenantID, bookingID, model.BookingCompleted)
}

func (m *Machine) close(ctx context.Context, tenantID, bookingID string, to model.BookingStatus) (model.Booking, error) {
	var out model.Booking
	changed := false
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, tenantID, bookingID)
		if err != nil {
			return err
		}
		out = b
		if b.Status == to {
			return nil
		}
		now := m.clock.Now()
		if b.Status != model.BookingConfirmed {
			return transitionError(b, to)
		}
		if now.Before(b.Interval.End) {
			return &model.InvalidTransitionError{Entity: "booking", ID: b.ID, From: string(b.Status), To: string(to) + " before end"}
		}

		var decision policy.Decision
		eventType := model.EventBookingCompleted
		b.Status = to
		b.UpdatedAt = now
		if to == model.BookingNoShow {
			if decision, err = m.policy.NoShowFee(ctx, b, now); err != nil {
				return err
			}
			eventType = model.EventBookingNoShow
			b.NoShowAt = &now
		} else {
			b.CompletedAt = &now
		}
		if err := m.finish(ctx, tx, now, &b, decision, eventType, "no_show"); err != nil {
			return err
		}
		out, changed = b, true
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		m.releaseClaim(ctx, out.ClaimID)
		m.observer.BookingTransition(string(out.Status))
	}
	return out, nil
}

// finish writes a terminal transition: an optional fee capture request followed by the
// booking event.
func (m *Machine) finish(ctx context.Context, tx storage.Tx, now time.Time, b *model.Booking, decision policy.Decision, eventType, feeKey string) error {
	if decision.Charge {
		b.Fee = model.Fee{
			Status:      model.FeeRequested,
			Reason:      decision.Reason,
			AmountMinor: decision.AmountMinor,
			Currency:    decision.Currency,
			CaptureID:   CaptureID(b.TenantID, feeKey+":"+b.ID),
		}
	}
	if err := tx.UpdateBooking(ctx, *b); err != nil {
		return err
	}
	if decision.Charge {
		if err := appendCapture(ctx, tx, now, *b); err != nil {
			return err
		}
	}
	return appendEvent(ctx, tx, now, *b, eventType)
}

func transitionError(b model.Booking, to model.BookingStatus) error {
	return &model.InvalidTransitionError{Entity: "booking", ID: b.ID, From: string(b.Status), To: string(to)}
}

// idempotent runs create at most once per key. replay loads the entity an earlier call produced.
func (m *Machine) idempotent(ctx context.Context, key idempotency.Key, replay func(ctx context.Context, id string) error, create func(ctx context.Context) (string, error)) error {
	res, err := m.ledger.Reserve(ctx, key)
	if err != nil {
		return err
	}
	if !res.New {
		m.observer.IdempotentReplay(key.Scope)
		return replay(ctx, res.Existing.EntityID)
	}
	id, err := create(ctx)
	if err != nil {
		if abortErr := m.ledger.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			m.logger.Warn("idempotency abort failed", "err", abortErr, "key", key.String())
		}
		return err
	}
	if err := m.ledger.Complete(ctx, key, idempotency.Result{Kind: key.Scope, EntityID: id}); err != nil {
		m.logger.Warn("idempotency complete failed", "err", err, "key", key.String())
		_ = m.ledger.Abort(context.WithoutCancel(ctx), key)
	}
	return nil
}

func (m *Machine) releaseClaim(ctx context.Context, claimID string) {
	if claimID == "" {
		return
	}
	if err := m.guard.Release(context.WithoutCancel(ctx), claimID); err != nil {
		m.logger.Error("guard release failed", "err", err, "claim_id", claimID)
	}
}
