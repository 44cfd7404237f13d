// Package app assembles the engine and its backing stores from Settings. The service binary and
// the operator CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/libs/db"
	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/md-rashed-zaman/bookingcore/libs/redisx"
	"github.com/md-rashed-zaman/bookingcore/libs/runtime"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/settings"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Settings settings.Settings
	Logger   *slog.Logger
	Clock    clock.Clock
	Store    storage.Store
	Pool     *db.Pool
	Redis    *redis.Client
	Metrics  *metrics.Metrics
	Engine   *engine.Engine

	closers []func() error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	clock      clock.Clock
}

// WithRegisterer registers the engine collectors on r instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = r }
}

func WithClock(c clock.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// Build opens the configured store and coordination backends and wires the engine. The caller
// owns the returned App and must Close it.
func Build(ctx context.Context, s settings.Settings, logger *slog.Logger, opts ...Option) (*App, error) {
	o := buildOptions{registerer: prometheus.DefaultRegisterer, clock: clock.System()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: s, Logger: logger, Clock: o.clock}
	for _, w := range s.Warnings() {
		logger.Warn(w)
	}
	a.Metrics = metrics.New(o.registerer, s.ServiceName)

	if s.UsePostgres() {
		pool, err := db.Open(ctx, s.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if s.AutoMigrate {
			if err := storage.Migrate(pool); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.Store = storage.NewPostgres(pool)
	} else {
		logger.Warn("DATABASE_URL not set; using the in-memory store")
		a.Store = storage.NewMemory()
	}

	var (
		g      guard.Guard
		ledger idempotency.Ledger
	)
	if s.UseRedis() {
		rdb, err := redisx.Open(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		g = guard.NewRedis(rdb, s.RedisPrefix, guard.WithObserver(a.Metrics))
		ledger = idempotency.NewRedis(rdb, s.RedisPrefix, idempotency.WithRetention(s.IdempotencyRetention))
	} else {
		g = guard.NewMemory(guard.WithLockWait(s.GuardLockWait), guard.WithObserver(a.Metrics))
		ledger = idempotency.NewMemory(o.clock, idempotency.WithRetention(s.IdempotencyRetention))
	}

	a.Engine = engine.New(engine.Deps{
		Store:  a.Store,
		Guard:  g,
		Ledger: ledger,
		Policy: policy.Window{
			LateCancelWindow:  s.LateCancelWindow,
			LateCancelPercent: s.LateCancelFeePercent,
			NoShowPercent:     s.NoShowFeePercent,
		},
		Clock:    o.clock,
		Logger:   logger,
		HoldTTL:  s.HoldTTL,
		Observer: a.Metrics,
	})
	return a, nil
}

// Restore reloads live claims into the guard. It must run before the engine serves traffic.
func (a *App) Restore(ctx context.Context) error {
	n, err := a.Engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore claims: %w", err)
	}
	a.Logger.Info("guard restored", "claims", n)
	return nil
}

// Sink opens the configured outbox sink. The sink is closed with the App.
func (a *App) Sink() (outbox.Sink, error) {
	switch a.Settings.Sink() {
	case settings.SinkKafka:
		sink, err := outbox.NewKafkaSink(a.Settings.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	case settings.SinkRabbitMQ:
		sink, err := outbox.NewRabbitSink(a.Settings.RabbitMQURL, a.Settings.RabbitMQExchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	default:
		a.Logger.Warn("outbox sink disabled; events are marked delivered without publishing")
		return outbox.DiscardSink{}, nil
	}
}

// Relay builds the outbox relay over the store and the configured sink.
func (a *App) Relay() (*outbox.Relay, error) {
	sink, err := a.Sink()
	if err != nil {
		return nil, err
	}
	relay := outbox.NewRelay(a.Store, sink, a.Logger, a.Clock, outbox.RelayConfig{
		PollEvery: a.Settings.OutboxPollEvery,
		BatchSize: a.Settings.OutboxBatchSize,
	})
	return relay.WithObserver(a.Metrics), nil
}

// ReadyChecks lists the dependencies /readyz and the gRPC health service report on.
func (a *App) ReadyChecks() []runtime.ReadyCheck {
	var checks []runtime.ReadyCheck
	if a.Pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(a.Pool)})
	}
	if a.Redis != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(a.Redis)})
	}
	if a.Settings.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(a.Settings.KafkaBrokers)})
	}
	return checks
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
