package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	otelx "github.com/md-rashed-zaman/bookingcore/libs/otel"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

// Observer receives delivery outcomes and the undelivered backlog after each batch.
type Observer interface {
	ObserveDelivery(eventType string, delivered bool)
	ObserveBacklog(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveDelivery(string, bool) {}
func (nopObserver) ObserveBacklog(int)           {}

type RelayConfig struct {
	PollEvery      time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// LogEvery caps failure logging: attempts up to LogEvery are logged, then every LogEvery-th.
	LogEvery int
}

// Relay moves committed outbox events to a Sink. Events of one tenant are delivered in creation
// order; a failure parks the rest of that tenant's events until the failed one is due again.
type Relay struct {
	store    storage.Outbox
	sink     Sink
	logger   *slog.Logger
	clock    clock.Clock
	observer Observer
	cfg      RelayConfig
}

func NewRelay(store storage.Outbox, sink Sink, logger *slog.Logger, clk clock.Clock, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Relay{store: store, sink: sink, logger: logger, clock: clk, observer: nopObserver{}, cfg: cfg}
}

func (r *Relay) WithObserver(o Observer) *Relay {
	if o != nil {
		r.observer = o
	}
	return r
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay batch failed", "err", err)
			}
		}
	}
}

// RelayOnce delivers one batch and returns how many events were delivered.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	events, err := r.store.FetchUndelivered(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	parked := map[string]bool{}
	for _, ev := range events {
		if parked[ev.TenantID] {
			continue
		}
		msgCtx := otelx.TraceContext{Traceparent: ev.Traceparent, Tracestate: ev.Tracestate}.Into(ctx)
		if err := r.sink.Deliver(msgCtx, ev); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			parked[ev.TenantID] = true
			if err := r.fail(ctx, ev, now, err); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.store.MarkDelivered(ctx, ev.ID, r.clock.Now()); err != nil {
			return delivered, err
		}
		r.observer.ObserveDelivery(ev.Type, true)
		delivered++
	}

	if n, err := r.store.Backlog(ctx); err == nil {
		r.observer.ObserveBacklog(n)
	}
	return delivered, nil
}

func (r *Relay) fail(ctx context.Context, ev model.OutboxEvent, now time.Time, cause error) error {
	attempts := ev.Attempts + 1
	next := now.Add(r.delay(attempts))
	r.observer.ObserveDelivery(ev.Type, false)
	if r.shouldLog(attempts) {
		r.logger.Warn("outbox delivery failed",
			"err", cause,
			"event_id", ev.ID,
			"event_type", ev.Type,
			"tenant_id", ev.TenantID,
			"attempts", attempts,
			"next_attempt_at", next,
		)
	}
	return r.store.MarkFailed(ctx, ev.ID, attempts, next, cause.Error())
}

// delay is the exponential backoff interval for the given attempt, capped at MaxBackoff.
func (r *Relay) delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts && i < 64 && d < r.cfg.MaxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (r *Relay) shouldLog(attempts int) bool {
	return attempts <= r.cfg.LogEvery || attempts%r.cfg.LogEvery == 0
}
