package model

import "time"

const MinutesPerDay = 24 * 60

type Resource struct {
	ID        string
	TenantID  string
	Name      string
	Timezone  string
	Capacity  int
	Active    bool
	CreatedAt time.Time
}

// Location resolves the resource's IANA timezone.
func (r Resource) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Reason: "unknown timezone " + r.Timezone}
	}
	return loc, nil
}

// TimeWindow is a wall-clock window inside one local day, in minutes from local midnight.
type TimeWindow struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w TimeWindow) Valid() bool {
	return w.StartMinute >= 0 && w.StartMinute < w.EndMinute && w.EndMinute <= MinutesPerDay
}

// WorkScheduleRule opens a resource on Weekdays between StartMinute and EndMinute local time,
// for dates in [EffectiveFrom, EffectiveUntil). A nil EffectiveUntil is open ended.
type WorkScheduleRule struct {
	ID             string
	TenantID       string
	ResourceID     string
	Weekdays       []time.Weekday
	StartMinute    int
	EndMinute      int
	EffectiveFrom  Date
	EffectiveUntil *Date
	CreatedAt      time.Time
}

func (r WorkScheduleRule) Window() TimeWindow {
	return TimeWindow{StartMinute: r.StartMinute, EndMinute: r.EndMinute}
}

// AppliesOn reports whether the rule opens the resource on date d.
func (r WorkScheduleRule) AppliesOn(d Date) bool {
	if d.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !d.Before(*r.EffectiveUntil) {
		return false
	}
	wd := d.Weekday()
	for _, w := range r.Weekdays {
		if w == wd {
			return true
		}
	}
	return false
}

// ScheduleException overrides every rule on Date: Closed removes all windows, otherwise
// Windows replace the rule hours.
type ScheduleException struct {
	ID         string
	TenantID   string
	ResourceID string
	Date       Date
	Closed     bool
	Windows    []TimeWindow
	Reason     string
	CreatedAt  time.Time
}

type Service struct {
	ID            string
	TenantID      string
	Name          string
	Duration      time.Duration
	BufferBefore  time.Duration
	BufferAfter   time.Duration
	CapacityUnits int
	PriceMinor    int64
	Currency      string
	SlotStep      time.Duration
	CreatedAt     time.Time
}

// Snapshot captures the service fields a booking must keep even if the service changes later.
func (s Service) Snapshot() ServiceSnapshot {
	units := s.CapacityUnits
	if units <= 0 {
		units = 1
	}
	return ServiceSnapshot{
		ServiceID:     s.ID,
		Name:          s.Name,
		Duration:      s.Duration,
		BufferBefore:  s.BufferBefore,
		BufferAfter:   s.BufferAfter,
		CapacityUnits: units,
		PriceMinor:    s.PriceMinor,
		Currency:      s.Currency,
	}
}

type ServiceSnapshot struct {
	ServiceID     string        `json:"service_id"`
	Name          string        `json:"name"`
	Duration      time.Duration `json:"duration"`
	BufferBefore  time.Duration `json:"buffer_before"`
	BufferAfter   time.Duration `json:"buffer_after"`
	CapacityUnits int           `json:"capacity_units"`
	PriceMinor    int64         `json:"price_minor"`
	Currency      string        `json:"currency"`
}

type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldReleased HoldState = "released"
	HoldExpired  HoldState = "expired"
	HoldConsumed HoldState = "consumed"
)

// Hold reserves an interval on a resource for a bounded time before a booking is made.
// Interval is the bookable slot; ClaimInterval includes service buffers and is what the guard holds.
type Hold struct {
	ID                string
	TenantID          string
	ResourceID        string
	ServiceID         string
	Interval          Interval
	ClaimInterval     Interval
	CapacityCost      int
	ClaimID           string
	ClientGeneratedID string
	ExpiresAt         time.Time
	State             HoldState
	BookingID         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Live reports whether the hold is active and unexpired at now.
func (h Hold) Live(now time.Time) bool {
	return h.State == HoldActive && now.Before(h.ExpiresAt)
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCanceled  BookingStatus = "canceled"
	BookingCompleted BookingStatus = "completed"
	BookingNoShow    BookingStatus = "no_show"
)

// Occupying reports whether a booking in this status holds calendar space.
func (s BookingStatus) Occupying() bool {
	return s == BookingPending || s == BookingConfirmed
}

func (s BookingStatus) Terminal() bool {
	return s == BookingCanceled || s == BookingCompleted || s == BookingNoShow
}

type FeeStatus string

const (
	FeeNone      FeeStatus = "none"
	FeeRequested FeeStatus = "requested"
	FeePaid      FeeStatus = "paid"
	FeeFailed    FeeStatus = "failed"
)

// Fee records a cancellation or no-show charge decided by the tenant policy.
type Fee struct {
	Status      FeeStatus `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	AmountMinor int64     `json:"amount_minor,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	CaptureID   string    `json:"capture_id,omitempty"`
}

type Booking struct {
	ID                string
	TenantID          string
	ResourceID        string
	CustomerID        string
	HoldID            string
	Interval          Interval
	ClaimInterval     Interval
	Timezone          string
	Status            BookingStatus
	ClientGeneratedID string
	Service           ServiceSnapshot
	ClaimID           string
	RescheduledFrom   string
	SupersededBy      string
	CancelReason      string
	Fee               Fee
	ConfirmedAt       *time.Time
	CanceledAt        *time.Time
	CompletedAt       *time.Time
	NoShowAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OutboxEvent is a side effect recorded in the same unit as the state change that caused it.
type OutboxEvent struct {
	ID            string
	TenantID      string
	Type          string
	AggregateType string
	AggregateID   string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

const (
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingCanceled    = "booking.canceled"
	EventBookingNoShow      = "booking.no_show"
	EventBookingCompleted   = "booking.completed"
	EventBookingRescheduled = "booking.rescheduled"
	EventBookingFeeSettled  = "booking.fee_settled"
	EventCaptureRequested   = "payment.capture_requested"
)

// IdempotencyRecord maps a client-generated id to the entity it produced.
type IdempotencyRecord struct {
	TenantID          string
	Scope             string
	ClientGeneratedID string
	Kind              string
	EntityID          string
	ExpiresAt         time.Time
}
