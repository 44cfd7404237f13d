package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

var (
	// ErrDuplicate is returned when a unique key (client generated id, entity id) already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrStale is returned by conditional updates whose precondition no longer holds.
	ErrStale = errors.New("stale state")
)

// Catalog is the tenant configuration the engine reads on every request.
type Catalog interface {
	GetResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error)
	GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error)
	ListRules(ctx context.Context, tenantID, resourceID string) ([]model.WorkScheduleRule, error)
	ListExceptions(ctx context.Context, tenantID, resourceID string, from, to model.Date) ([]model.ScheduleException, error)
}

// Admin writes tenant configuration.
type Admin interface {
	SaveResource(ctx context.Context, r model.Resource) error
	SetResourceActive(ctx context.Context, tenantID, resourceID string, active bool) (model.Resource, error)
	SaveService(ctx context.Context, s model.Service) error
	SaveRule(ctx context.Context, r model.WorkScheduleRule) error
	SaveException(ctx context.Context, e model.ScheduleException) error
}

// HoldTransition moves a hold From one state To another at instant At. Consuming requires the
// hold to be unexpired at At, expiring requires it to be past expiry.
type HoldTransition struct {
	TenantID  string
	HoldID    string
	From      model.HoldState
	To        model.HoldState
	At        time.Time
	BookingID string
}

// Tx is one atomic unit. State changes and their outbox events are written through the same Tx.
type Tx interface {
	GetHoldForUpdate(ctx context.Context, tenantID, holdID string) (model.Hold, error)
	InsertHold(ctx context.Context, h model.Hold) error
	TransitionHold(ctx context.Context, t HoldTransition) (model.Hold, error)

	GetBookingForUpdate(ctx context.Context, tenantID, bookingID string) (model.Booking, error)
	InsertBooking(ctx context.Context, b model.Booking) error
	UpdateBooking(ctx context.Context, b model.Booking) error

	AppendOutbox(ctx context.Context, ev model.OutboxEvent) error
}

type Outbox interface {
	// FetchUndelivered returns due events in creation order, leaving out every event of a tenant
	// whose earlier event is still waiting for its next attempt.
	FetchUndelivered(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error
	Backlog(ctx context.Context) (int, error)
}

// ClaimState is what storage knows about a guard claim.
type ClaimState int

const (
	// ClaimUnknown: no hold or booking carries the claim, e.g. its creating transaction has not
	// committed yet.
	ClaimUnknown ClaimState = iota
	// ClaimLive: an active hold or an occupying booking carries the claim.
	ClaimLive
	// ClaimEnded: only final holds and bookings carry the claim. This never changes back.
	ClaimEnded
)

type Store interface {
	Catalog
	Admin
	Outbox

	GetHold(ctx context.Context, tenantID, holdID string) (model.Hold, error)
	FindHoldByClientID(ctx context.Context, tenantID, clientID string) (model.Hold, error)
	// ListExpiredHolds returns active holds whose expiry is at or before at.
	ListExpiredHolds(ctx context.Context, at time.Time, limit int) ([]model.Hold, error)
	// ListLiveHoldsOverlapping returns active holds on a resource whose claim overlaps iv.
	ListLiveHoldsOverlapping(ctx context.Context, tenantID, resourceID string, iv model.Interval) ([]model.Hold, error)

	GetBooking(ctx context.Context, tenantID, bookingID string) (model.Booking, error)
	FindBookingByClientID(ctx context.Context, tenantID, clientID string) (model.Booking, error)
	ListBookings(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Booking, error)

	// ListActiveClaims returns the guard claims implied by active holds and occupying bookings.
	ListActiveClaims(ctx context.Context) ([]guard.Claim, error)

	// ClaimStates reports, for each claim id, whether storage still has a live holder for it.
	// Ids no hold or booking carries are reported as ClaimUnknown.
	ClaimStates(ctx context.Context, claimIDs []string) (map[string]ClaimState, error)

	// HasInbox reports whether eventID was recorded by RecordInbox.
	HasInbox(ctx context.Context, eventID string) (bool, error)
	// RecordInbox stores a consumed event id and reports false when it was already recorded.
	RecordInbox(ctx context.Context, eventID, eventType string) (bool, error)

	// InTx runs fn in one atomic unit. fn must only use tx for reads that need to be consistent
	// with its writes.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

func holdClaim(h model.Hold) guard.Claim {
	return guard.Claim{
		ID:         h.ClaimID,
		TenantID:   h.TenantID,
		ResourceID: h.ResourceID,
		OwnerID:    h.ID,
		Interval:   h.ClaimInterval,
		Cost:       h.CapacityCost,
	}
}

func bookingClaim(b model.Booking) guard.Claim {
	cost := b.Service.CapacityUnits
	if cost <= 0 {
		cost = 1
	}
	return guard.Claim{
		ID:         b.ClaimID,
		TenantID:   b.TenantID,
		ResourceID: b.ResourceID,
		OwnerID:    b.ID,
		Interval:   b.ClaimInterval,
		Cost:       cost,
	}
}

// checkHoldTransition applies the conditional part of a hold transition to the current row.
func checkHoldTransition(h model.Hold, t HoldTransition) error {
	if h.State != t.From {
		return ErrStale
	}
	switch t.To {
	case model.HoldConsumed:
		if !t.At.Before(h.ExpiresAt) {
			return ErrStale
		}
	case model.HoldExpired:
		if t.At.Before(h.ExpiresAt) {
			return ErrStale
		}
	}
	return nil
}

// checkResourceUpdate rejects changes to fields that existing bookings depend on.
func checkResourceUpdate(old, next model.Resource, hasBookings bool) error {
	if !hasBookings {
		return nil
	}
	if old.Timezone != next.Timezone {
		return model.Invalid("timezone", "cannot change once the resource has bookings")
	}
	if old.Capacity != next.Capacity {
		return model.Invalid("capacity", "cannot change once the resource has bookings")
	}
	return nil
}
