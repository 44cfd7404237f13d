// Package cli implements bookingctl, the operator tool for the booking engine.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/md-rashed-zaman/bookingcore/libs/runtime"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/app"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/settings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
)

// env carries what every subcommand needs. Tests swap loadSettings and the writers.
type env struct {
	out          io.Writer
	logger       *slog.Logger
	loadSettings func() (settings.Settings, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&env{
		out:          os.Stdout,
		logger:       runtime.NewLogger("bookingctl"),
		loadSettings: settings.Load,
	})
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "bookingctl",
		Short:         "Operate the availability and booking engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(e.out)

	root.AddCommand(newVersionCmd(e))
	root.AddCommand(newMigrateCmd(e))
	root.AddCommand(newSweepCmd(e))
	root.AddCommand(newRelayCmd(e))
	root.AddCommand(newSlotsCmd(e))
	root.AddCommand(newHealthCmd(e))
	return root
}

func Execute() {
	ctx, stop := runtime.SignalContext()
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// build wires the engine the way the service does, without exposing metrics.
func (e *env) build(ctx context.Context) (*app.App, error) {
	s, err := e.loadSettings()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, s, e.logger, app.WithRegisterer(prometheus.NewRegistry()))
}

func newVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(e.out, "bookingctl %s (%s)\n", Version, CommitSHA)
			return err
		},
	}
}
