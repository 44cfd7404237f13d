// Package engine exposes the booking core as one set of operations. Transports (HTTP, the
// payment-result consumer, the admin CLI) go through it rather than wiring the components
// themselves.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/recurrence"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

// MaxSlots bounds one availability response.
const MaxSlots = 500

type Deps struct {
	Store    storage.Store
	Guard    guard.Guard
	Ledger   idempotency.Ledger
	Policy   policy.Provider
	Clock    clock.Clock
	Logger   *slog.Logger
	HoldTTL  time.Duration
	Observer Observer
}

// Observer receives every counter the engine components report.
type Observer interface {
	holds.Observer
	booking.Observer
}

type Engine struct {
	store      storage.Store
	guard      guard.Guard
	clock      clock.Clock
	logger     *slog.Logger
	calculator *availability.Calculator
	expander   *recurrence.Expander
	holds      *holds.Manager
	bookings   *booking.Machine
}

func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	expander := recurrence.NewExpander(d.Store)
	e := &Engine{
		store:      d.Store,
		guard:      d.Guard,
		clock:      d.Clock,
		logger:     d.Logger,
		expander:   expander,
		calculator: availability.NewCalculator(d.Store, expander, d.Guard),
		holds:      holds.NewManager(d.Store, d.Guard, d.Ledger, d.Clock, d.Logger, holds.Config{DefaultTTL: d.HoldTTL}),
		bookings:   booking.NewMachine(d.Store, d.Guard, d.Ledger, d.Policy, d.Clock, d.Logger),
	}
	if d.Observer != nil {
		e.holds.WithObserver(d.Observer)
		e.bookings.WithObserver(d.Observer)
	}
	return e
}

// Holds returns the hold manager, for the sweeper.
func (e *Engine) Holds() *holds.Manager { return e.holds }

// Restore loads the claims of live holds and occupying bookings into the guard. It runs once at
// startup, before the engine serves requests.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	claims, err := e.store.ListActiveClaims(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.guard.Restore(ctx, claims); err != nil {
		return 0, err
	}
	return len(claims), nil
}

type SlotsRequest struct {
	TenantID    string
	ResourceIDs []string
	ServiceID   string
	Window      model.Interval
	Step        time.Duration
	Limit       int
}

// GetAvailableSlots lists bookable slots in start order. Slots starting before now are omitted.
func (e *Engine) GetAvailableSlots(ctx context.Context, req SlotsRequest) ([]availability.Slot, error) {
	seq, err := e.calculator.Slots(ctx, availability.Query{
		TenantID:    req.TenantID,
		ResourceIDs: req.ResourceIDs,
		ServiceID:   req.ServiceID,
		Window:      req.Window,
		NotBefore:   e.clock.Now(),
		Step:        req.Step,
	})
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxSlots {
		limit = MaxSlots
	}
	return availability.Collect(seq, limit), nil
}

// OpenIntervals returns the working hours of a resource in window, before claims are applied.
func (e *Engine) OpenIntervals(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Interval, error) {
	return e.expander.Expand(ctx, tenantID, resourceID, window)
}

func (e *Engine) CreateHold(ctx context.Context, req holds.CreateRequest) (model.Hold, error) {
	return e.holds.Create(ctx, req)
}

func (e *Engine) ReleaseHold(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	return e.holds.Release(ctx, tenantID, holdID)
}

func (e *Engine) GetHold(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	return e.holds.Get(ctx, tenantID, holdID)
}

// SweepHolds expires every hold past its expiry now, then releases guard claims storage no
// longer backs. It returns how many holds it expired.
func (e *Engine) SweepHolds(ctx context.Context, batchSize int) (int, error) {
	n, err := holds.NewSweeper(e.holds, e.logger, holds.SweeperConfig{BatchSize: batchSize}).SweepOnce(ctx)
	if err != nil {
		return n, err
	}
	if _, err := e.holds.ReconcileClaims(ctx); err != nil {
		return n, err
	}
	return n, nil
}

func (e *Engine) CreateBooking(ctx context.Context, req booking.CreateRequest) (model.Booking, error) {
	return e.bookings.Create(ctx, req)
}

func (e *Engine) ConfirmBooking(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return e.bookings.Confirm(ctx, tenantID, bookingID)
}

func (e *Engine) CancelBooking(ctx context.Context, req booking.CancelRequest) (model.Booking, error) {
	return e.bookings.Cancel(ctx, req)
}

func (e *Engine) RescheduleBooking(ctx context.Context, req booking.RescheduleRequest) (model.Booking, error) {
	return e.bookings.Reschedule(ctx, req)
}

func (e *Engine) MarkNoShow(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return e.bookings.MarkNoShow(ctx, tenantID, bookingID)
}

func (e *Engine) CompleteBooking(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return e.bookings.Complete(ctx, tenantID, bookingID)
}

func (e *Engine) GetBooking(ctx context.Context, tenantID, bookingID string) (model.Booking, error) {
	return e.bookings.Get(ctx, tenantID, bookingID)
}

func (e *Engine) ListBookings(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Booking, error) {
	if !window.Valid() {
		return nil, &model.InvalidRangeError{From: window.Start, To: window.End}
	}
	return e.bookings.List(ctx, tenantID, resourceID, window)
}

func (e *Engine) RequestPaymentCapture(ctx context.Context, req booking.CaptureRequest) (model.Booking, error) {
	return e.bookings.RequestCapture(ctx, req)
}

func (e *Engine) ApplyPaymentResult(ctx context.Context, res booking.PaymentResult) (model.Booking, error) {
	return e.bookings.ApplyPaymentResult(ctx, res)
}

// HasInbox reports whether an inbound event was already processed.
func (e *Engine) HasInbox(ctx context.Context, eventID string) (bool, error) {
	return e.store.HasInbox(ctx, eventID)
}

// RecordInbox marks an inbound event as processed. It reports false when the event was seen before.
func (e *Engine) RecordInbox(ctx context.Context, eventID, eventType string) (bool, error) {
	return e.store.RecordInbox(ctx, eventID, eventType)
}

func (e *Engine) SaveResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if strings.TrimSpace(r.TenantID) == "" {
		return model.Resource{}, model.Invalid("tenant_id", "required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Capacity <= 0 {
		r.Capacity = 1
	}
	if _, err := r.Location(); err != nil {
		return model.Resource{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.clock.Now()
	}
	if err := e.store.SaveResource(ctx, r); err != nil {
		return model.Resource{}, err
	}
	return r, nil
}

// DeactivateResource stops new holds and bookings on a resource. Existing bookings keep
// their claims.
func (e *Engine) DeactivateResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error) {
	return e.store.SetResourceActive(ctx, tenantID, resourceID, false)
}

func (e *Engine) SaveService(ctx context.Context, s model.Service) (model.Service, error) {
	switch {
	case strings.TrimSpace(s.TenantID) == "":
		return model.Service{}, model.Invalid("tenant_id", "required")
	case s.Duration <= 0:
		return model.Service{}, model.Invalid("duration", "must be positive")
	case s.BufferBefore < 0 || s.BufferAfter < 0:
		return model.Service{}, model.Invalid("buffer", "must not be negative")
	case s.PriceMinor < 0:
		return model.Service{}, model.Invalid("price_minor", "must not be negative")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CapacityUnits <= 0 {
		s.CapacityUnits = 1
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.clock.Now()
	}
	if err := e.store.SaveService(ctx, s); err != nil {
		return model.Service{}, err
	}
	return s, nil
}

func (e *Engine) SaveRule(ctx context.Context, r model.WorkScheduleRule) (model.WorkScheduleRule, error) {
	if !r.Window().Valid() {
		return model.WorkScheduleRule{}, model.Invalid("window", "start must be before end within one day")
	}
	if len(r.Weekdays) == 0 {
		return model.WorkScheduleRule{}, model.Invalid("weekdays", "required")
	}
	if r.EffectiveUntil != nil && !r.EffectiveFrom.Before(*r.EffectiveUntil) {
		return model.WorkScheduleRule{}, model.Invalid("effective_until", "must be after effective_from")
	}
	if _, err := e.activeResource(ctx, r.TenantID, r.ResourceID); err != nil {
		return model.WorkScheduleRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.clock.Now()
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return model.WorkScheduleRule{}, err
	}
	return r, nil
}

func (e *Engine) SaveException(ctx context.Context, x model.ScheduleException) (model.ScheduleException, error) {
	if !x.Closed && len(x.Windows) == 0 {
		return model.ScheduleException{}, model.Invalid("windows", "required unless closed")
	}
	for _, w := range x.Windows {
		if !w.Valid() {
			return model.ScheduleException{}, model.Invalid("windows", "start must be before end within one day")
		}
	}
	if _, err := e.activeResource(ctx, x.TenantID, x.ResourceID); err != nil {
		return model.ScheduleException{}, err
	}
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = e.clock.Now()
	}
	if err := e.store.SaveException(ctx, x); err != nil {
		return model.ScheduleException{}, err
	}
	return x, nil
}

func (e *Engine) activeResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error) {
	r, err := e.store.GetResource(ctx, tenantID, resourceID)
	if err != nil {
		return model.Resource{}, err
	}
	if !r.Active {
		return model.Resource{}, model.UnknownResource(resourceID)
	}
	return r, nil
}
