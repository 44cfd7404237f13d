package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/db"
	"github.com/md-rashed-zaman/bookingcore/libs/grpcx"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := e.loadSettings()
			if err != nil {
				return err
			}
			if !s.UsePostgres() {
				return errors.New("migrate requires DATABASE_URL")
			}
			pool, err := db.Open(cmd.Context(), s.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := storage.Migrate(pool); err != nil {
				return err
			}
			_, err = fmt.Fprintln(e.out, "migrations applied")
			return err
		},
	}
}

func newSweepCmd(e *env) *cobra.Command {
	var batch int
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every hold past its expiry once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Restore(cmd.Context()); err != nil {
				return err
			}
			n, err := a.Engine.SweepHolds(cmd.Context(), batch)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "expired %d holds\n", n)
			return err
		},
	}
	c.Flags().IntVar(&batch, "batch", 100, "holds fetched per round")
	return c
}

func newRelayCmd(e *env) *cobra.Command {
	var drain bool
	c := &cobra.Command{
		Use:   "relay",
		Short: "Deliver due outbox events once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			relay, err := a.Relay()
			if err != nil {
				return err
			}
			total := 0
			for {
				n, err := relay.RelayOnce(cmd.Context())
				total += n
				if err != nil {
					return err
				}
				if !drain || n == 0 {
					break
				}
			}
			_, err = fmt.Fprintf(e.out, "delivered %d events\n", total)
			return err
		},
	}
	c.Flags().BoolVar(&drain, "drain", false, "repeat until a pass delivers nothing")
	return c
}

func newSlotsCmd(e *env) *cobra.Command {
	var (
		tenantID  string
		resources []string
		serviceID string
		from      string
		to        string
		step      time.Duration
		limit     int
	)
	c := &cobra.Command{
		Use:   "slots",
		Short: "List bookable slots as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("invalid --from (want RFC3339): %w", err)
			}
			end, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return fmt.Errorf("invalid --to (want RFC3339): %w", err)
			}
			a, err := e.build(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Restore(cmd.Context()); err != nil {
				return err
			}
			slots, err := a.Engine.GetAvailableSlots(cmd.Context(), engine.SlotsRequest{
				TenantID:    tenantID,
				ResourceIDs: resources,
				ServiceID:   serviceID,
				Window:      model.Interval{Start: start.UTC(), End: end.UTC()},
				Step:        step,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(e.out)
			for _, s := range slots {
				if err := enc.Encode(map[string]string{
					"resource_id": s.ResourceID,
					"start":       s.Start.UTC().Format(time.RFC3339),
					"end":         s.End.UTC().Format(time.RFC3339),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	c.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	c.Flags().StringSliceVar(&resources, "resource", nil, "resource id (repeatable or comma separated)")
	c.Flags().StringVar(&serviceID, "service", "", "service id")
	c.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	c.Flags().StringVar(&to, "to", "", "window end (RFC3339)")
	c.Flags().DurationVar(&step, "step", 0, "slot step (defaults to the service step)")
	c.Flags().IntVar(&limit, "limit", 100, "maximum slots")
	for _, name := range []string{"tenant", "resource", "service", "from", "to"} {
		_ = c.MarkFlagRequired(name)
	}
	return c
}

func newHealthCmd(e *env) *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := grpcx.Dial(addr, grpcx.DialOptions{})
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := grpcx.CheckHealth(ctx, conn, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, strings.ToLower(status.String()))
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, status)
			}
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", "localhost:9093", "gRPC address")
	c.Flags().StringVar(&service, "service", "booking-service", "health service name")
	c.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "deadline for the health check")
	return c
}
