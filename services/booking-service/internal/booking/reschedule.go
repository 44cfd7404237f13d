package booking

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

const reasonRescheduled = "rescheduled"

type RescheduleRequest struct {
	TenantID    string
	BookingID   string
	NewInterval model.Interval
	// ClientGeneratedID makes the reschedule idempotent and becomes the new booking's client id.
	ClientGeneratedID string
}

// Reschedule moves an occupying booking to NewInterval on the same resource. The old booking
// is canceled as superseded and a new booking takes its place, all in one unit: either both
// changes land or neither does.
func (m *Machine) Reschedule(ctx context.Context, req RescheduleRequest) (model.Booking, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return model.Booking{}, model.Invalid("tenant_id", "required")
	}
	if !req.NewInterval.Valid() {
		return model.Booking{}, &model.InvalidRangeError{From: req.NewInterval.Start, To: req.NewInterval.End}
	}
	if strings.TrimSpace(req.ClientGeneratedID) == "" {
		return m.reschedule(ctx, req)
	}

	key := idempotency.Key{TenantID: req.TenantID, Scope: idempotency.ScopeReschedule, ClientGeneratedID: req.ClientGeneratedID}
	var out model.Booking
	err := m.idempotent(ctx, key,
		func(ctx context.Context, id string) error {
			b, err := m.store.GetBooking(ctx, req.TenantID, id)
			out = b
			return err
		},
		func(ctx context.Context) (string, error) {
			b, err := m.reschedule(ctx, req)
			if err != nil {
				return "", err
			}
			out = b
			return b.ID, nil
		},
	)
	return out, err
}

func (m *Machine) reschedule(ctx context.Context, req RescheduleRequest) (model.Booking, error) {
	old, err := m.store.GetBooking(ctx, req.TenantID, req.BookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if !old.Status.Occupying() {
		return model.Booking{}, &model.InvalidTransitionError{Entity: "booking", ID: old.ID, From: string(old.Status), To: reasonRescheduled}
	}
	if req.ClientGeneratedID != "" {
		if prior, err := m.store.FindBookingByClientID(ctx, req.TenantID, req.ClientGeneratedID); err == nil && prior.RescheduledFrom == old.ID {
			return prior, nil
		}
	}
	res, err := m.store.GetResource(ctx, req.TenantID, old.ResourceID)
	if err != nil {
		return model.Booking{}, err
	}

	now := m.clock.Now()
	snap := old.Service
	next := model.Booking{
		ID:                uuid.NewString(),
		TenantID:          old.TenantID,
		ResourceID:        old.ResourceID,
		CustomerID:        old.CustomerID,
		Interval:          req.NewInterval.UTC(),
		ClaimInterval:     req.NewInterval.Pad(snap.BufferBefore, snap.BufferAfter).UTC(),
		Timezone:          old.Timezone,
		Status:            old.Status,
		ClientGeneratedID: req.ClientGeneratedID,
		Service:           snap,
		ClaimID:           uuid.NewString(),
		RescheduledFrom:   old.ID,
		Fee:               model.Fee{Status: model.FeeNone},
		ConfirmedAt:       old.ConfirmedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if next.ClientGeneratedID == "" {
		next.ClientGeneratedID = reasonRescheduled + ":" + old.ID + ":" + next.ID
	}

	if _, err := m.guard.TryClaim(ctx, guard.ClaimRequest{
		ClaimID:    next.ClaimID,
		TenantID:   next.TenantID,
		ResourceID: next.ResourceID,
		OwnerID:    next.ID,
		Interval:   next.ClaimInterval,
		Cost:       snap.CapacityUnits,
		Capacity:   res.Capacity,
		Supersedes: old.ClaimID,
	}); err != nil {
		return model.Booking{}, err
	}

	var superseded model.Booking
	err = m.store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetBookingForUpdate(ctx, old.TenantID, old.ID)
		if err != nil {
			return err
		}
		if !cur.Status.Occupying() {
			return &model.InvalidTransitionError{Entity: "booking", ID: cur.ID, From: string(cur.Status), To: reasonRescheduled}
		}
		next.Status = cur.Status
		next.ConfirmedAt = cur.ConfirmedAt
		cur.Status = model.BookingCanceled
		cur.CanceledAt = &now
		cur.CancelReason = reasonRescheduled
		cur.SupersededBy = next.ID
		cur.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		if err := tx.InsertBooking(ctx, next); err != nil {
			return err
		}
		superseded = cur
		return appendEvent(ctx, tx, now, next, model.EventBookingRescheduled)
	})
	if err != nil {
		m.releaseClaim(ctx, next.ClaimID)
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Booking{}, model.Invalid("client_generated_id", "already used by another booking")
		}
		return model.Booking{}, err
	}
	m.releaseClaim(ctx, superseded.ClaimID)
	m.observer.BookingTransition(reasonRescheduled)
	return next, nil
}
