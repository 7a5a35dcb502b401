package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/identityhistory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var configPath string
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "identity-history-consumer",
		Short: "Records identity lifecycle events in the identity history store",
		Long: `Consumes IdentityCreated, IdentityUpdated and IdentityDeleted events from
the configured broker and applies them to the configured document store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := identityhistory.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := identityhistory.NewSlogServiceLogger(identityhistory.NewJSONLogger(out, cfg.Logging.LogLevel))

			if validateOnly {
				if err := cfg.Validate(); err != nil {
					return identityhistory.ConfigValidationError{Err: err}
				}
				logger.Info("Configuration is valid", identityhistory.LogFields{
					"events_system": identityhistory.SelectTransport(cfg).Name,
					"db_backend":    identityhistory.SelectStore(cfg).Name,
				})
				return nil
			}

			app, err := identityhistory.Compose(cmd.Context(), cfg, logger, identityhistory.Options{})
			if err != nil {
				logger.Error("Startup failed", err, nil)
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				logger.Error("Consumer stopped", err, nil)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the settings file (default appsettings.json)")
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	return cmd
}
