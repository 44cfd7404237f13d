package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/grpcx"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/settings"
	"github.com/stretchr/testify/require"
)

func testEnv(s settings.Settings) (*env, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &env{
		out:          out,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		loadSettings: func() (settings.Settings, error) { return s, nil },
	}, out
}

func memorySettings() settings.Settings {
	return settings.Settings{
		ServiceName:     "bookingctl-test",
		Port:            "8083",
		GRPCPort:        "9093",
		OutboxSink:      settings.SinkNone,
		OutboxBatchSize: 10,
		HoldTTL:         10 * time.Minute,
	}
}

func run(t *testing.T, e *env, args ...string) error {
	t.Helper()
	cmd := newRootCmd(e)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestVersion(t *testing.T) {
	e, out := testEnv(memorySettings())
	require.NoError(t, run(t, e, "version"))
	require.Equal(t, "bookingctl dev (none)\n", out.String())
}

func TestMigrateRequiresDatabase(t *testing.T) {
	e, _ := testEnv(memorySettings())
	err := run(t, e, "migrate")
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestRelayAndSweepOnMemoryStore(t *testing.T) {
	e, out := testEnv(memorySettings())
	require.NoError(t, run(t, e, "relay", "--drain"))
	require.Equal(t, "delivered 0 events\n", out.String())

	out.Reset()
	require.NoError(t, run(t, e, "sweep"))
	require.Equal(t, "expired 0 holds\n", out.String())
}

func TestSlotsValidatesFlags(t *testing.T) {
	e, _ := testEnv(memorySettings())
	err := run(t, e, "slots", "--tenant", "t1", "--resource", "r1", "--service", "s1", "--from", "tomorrow", "--to", "2026-06-02T00:00:00Z")
	require.ErrorContains(t, err, "--from")

	err = run(t, e, "slots", "--tenant", "t1", "--resource", "r1", "--service", "s1", "--from", "2026-06-01T00:00:00Z", "--to", "2026-06-02T00:00:00Z")
	require.Error(t, err, "unknown service on an empty store")

	err = run(t, e, "slots", "--tenant", "t1")
	require.ErrorContains(t, err, "required flag")
}

func TestHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := grpcx.NewServer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	grpcx.RegisterHealth(ctx, srv, logger, "booking-service", time.Minute)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	e, out := testEnv(memorySettings())
	require.NoError(t, run(t, e, "health", "--addr", lis.Addr().String()))
	require.Equal(t, "serving", strings.TrimSpace(out.String()))

	out.Reset()
	err = run(t, e, "health", "--addr", lis.Addr().String(), "--service", "other")
	require.Error(t, err, "unregistered service names are reported as errors")
}
