package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a gRPC server with tracing and request-id propagation installed.
func NewServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()),
	}
	opts = append(opts, extra...)
	return grpc.NewServer(opts...)
}

// RegisterHealth registers the standard health service on srv and keeps the serving status of
// service in sync with checks until ctx is done.
func RegisterHealth(ctx context.Context, srv *grpc.Server, logger *slog.Logger, service string, every time.Duration, checks ...runtime.ReadyCheck) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if every <= 0 {
		every = 10 * time.Second
	}

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if failures := runtime.RunChecks(ctx, checks...); len(failures) > 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("grpc health degraded", "failures", failures)
		}
		hs.SetServingStatus(service, status)
		hs.SetServingStatus("", status)
	}
	update()

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()
	return hs
}

// CheckHealth asks the health service at conn for the status of service.
func CheckHealth(ctx context.Context, conn grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
