package policy

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// Decision is the fee a tenant policy assigns to a cancellation or no-show.
type Decision struct {
	Charge      bool
	AmountMinor int64
	Currency    string
	Reason      string
}

const (
	ReasonLateCancel = "late_cancel"
	ReasonNoShow     = "no_show"
)

type Provider interface {
	CancellationFee(ctx context.Context, b model.Booking, at time.Time) (Decision, error)
	NoShowFee(ctx context.Context, b model.Booking, at time.Time) (Decision, error)
}

// Window charges LateCancelPercent of the service price when a confirmed booking is canceled
// less than LateCancelWindow before it starts, and NoShowPercent on a no-show.
type Window struct {
	LateCancelWindow  time.Duration
	LateCancelPercent int
	NoShowPercent     int
}

func (w Window) CancellationFee(_ context.Context, b model.Booking, at time.Time) (Decision, error) {
	if b.Status != model.BookingConfirmed || w.LateCancelWindow <= 0 {
		return Decision{}, nil
	}
	if at.Before(b.Interval.Start.Add(-w.LateCancelWindow)) {
		return Decision{}, nil
	}
	return charge(b, w.LateCancelPercent, ReasonLateCancel), nil
}

func (w Window) NoShowFee(_ context.Context, b model.Booking, _ time.Time) (Decision, error) {
	return charge(b, w.NoShowPercent, ReasonNoShow), nil
}

func charge(b model.Booking, percent int, reason string) Decision {
	if percent <= 0 || b.Service.PriceMinor <= 0 {
		return Decision{}
	}
	if percent > 100 {
		percent = 100
	}
	amount := b.Service.PriceMinor * int64(percent) / 100
	if amount <= 0 {
		return Decision{}
	}
	return Decision{Charge: true, AmountMinor: amount, Currency: b.Service.Currency, Reason: reason}
}

type perTenant struct {
	fallback  Provider
	overrides map[string]Provider
}

// NewPerTenant routes decisions to a tenant's own provider when one is configured.
func NewPerTenant(fallback Provider, overrides map[string]Provider) Provider {
	return &perTenant{fallback: fallback, overrides: overrides}
}

func (p *perTenant) pick(tenantID string) Provider {
	if o, ok := p.overrides[tenantID]; ok {
		return o
	}
	return p.fallback
}

func (p *perTenant) CancellationFee(ctx context.Context, b model.Booking, at time.Time) (Decision, error) {
	return p.pick(b.TenantID).CancellationFee(ctx, b, at)
}

func (p *perTenant) NoShowFee(ctx context.Context, b model.Booking, at time.Time) (Decision, error) {
	return p.pick(b.TenantID).NoShowFee(ctx, b, at)
}
