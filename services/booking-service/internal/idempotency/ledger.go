package idempotency

import (
	"context"
	"time"
)

// Scopes separate the logical operations sharing one client-generated id space.
const (
	ScopeHold       = "hold"
	ScopeBooking    = "booking"
	ScopeReschedule = "reschedule"
	ScopeCapture    = "capture"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultMaxWait   = 5 * time.Second
)

type Key struct {
	TenantID          string
	Scope             string
	ClientGeneratedID string
}

func (k Key) String() string {
	return k.TenantID + ":" + k.Scope + ":" + k.ClientGeneratedID
}

// Result is what a completed request produced.
type Result struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
}

// Reservation is the outcome of Reserve. New means the caller owns the key and must Complete
// or Abort it; otherwise Existing holds the earlier result.
type Reservation struct {
	New      bool
	Existing Result
}

// Ledger records, per key, at most one result for the retention window. Concurrent reservations
// of one key admit a single winner; the others wait, bounded, for its outcome.
type Ledger interface {
	Reserve(ctx context.Context, key Key) (Reservation, error)
	Complete(ctx context.Context, key Key, res Result) error
	// Abort gives up a New reservation so a waiting or later duplicate can proceed.
	Abort(ctx context.Context, key Key) error
}

type Option func(*options)

type options struct {
	retention time.Duration
	maxWait   time.Duration
}

func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithMaxWait bounds how long a duplicate waits for the winner before ErrIdempotencyInProgress.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{retention: DefaultRetention, maxWait: DefaultMaxWait}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
