package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/grpcx"
	"github.com/md-rashed-zaman/bookingcore/libs/httpx"
	otelx "github.com/md-rashed-zaman/bookingcore/libs/otel"
	"github.com/md-rashed-zaman/bookingcore/libs/runtime"
	"github.com/md-rashed-zaman/bookingcore/libs/tenant"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/app"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/settings"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := settings.Load()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		panic(err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown close failed", "err", err)
		}
	}()
	if err := a.Restore(ctx); err != nil {
		logger.Error("startup failed", "err", err)
		panic(err)
	}

	workers := runtime.NewWorkers(logger)
	sweeper := holds.NewSweeper(a.Engine.Holds(), logger, holds.SweeperConfig{Interval: cfg.HoldSweepEvery})
	workers.Go(ctx, "hold-sweeper", sweeper.Run)

	relay, err := a.Relay()
	if err != nil {
		logger.Error("outbox sink init failed", "err", err)
		panic(err)
	}
	workers.Go(ctx, "outbox-relay", relay.Run)

	if cfg.KafkaBrokers != "" && len(cfg.PaymentResultTopics) > 0 {
		paymentConsumer := consumer.New(logger, a.Engine, consumer.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  cfg.PaymentResultTopics,
		}, consumer.PaymentResults(a.Engine, logger))
		workers.Go(ctx, "payment-consumer", paymentConsumer.Run)
	}

	grpcServer := grpcx.NewServer()
	grpcx.RegisterHealth(ctx, grpcServer, logger, cfg.ServiceName, 10*time.Second, a.ReadyChecks()...)
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Error("grpc listen failed", "err", err)
			return
		}
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	mux := runtime.NewBaseMuxWithReady(a.ReadyChecks()...)
	mux.Handle("/metrics", promhttp.Handler())
	handlers.NewAPI(a.Engine, logger).Register(mux)

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", tenant.TenantHeader, tenant.ActorHeader, tenant.RoleHeader, httpx.RequestIDHeader},
			ExposedHeaders: []string{"Retry-After", httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(1 << 20),
		rateLimit(a, cfg, logger),
	}
	httpHandler := httpx.Chain(mux, middleware...)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcServer.GracefulStop()
	workers.Wait(10 * time.Second)
	logger.Info("servers stopped")
}

// rateLimit shares limits across instances through Redis when it is configured.
func rateLimit(a *app.App, cfg settings.Settings, logger *slog.Logger) httpx.Middleware {
	if a.Redis != nil {
		return httpx.RateLimit(httpx.NewRedisLimiter(a.Redis, cfg.RateLimitPerMinute, time.Minute, cfg.RedisPrefix+":rl"), logger, true)
	}
	return httpx.RateLimit(httpx.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute, a.Clock), logger, false)
}
