package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ticketrelay/internal/app"
	"ticketrelay/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ticketrelay",
		Short: "Real-time messaging core for support tickets",
		Long: `ticketrelay relays support-ticket conversations between guests,
workspace members and support agents over WebSocket.

Configuration is read from defaults, then TICKETRELAY_* environment
variables (and a .env file), then the YAML file given with --config.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a YAML config file")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath))
	return root
}

// loadConfig resolves configuration and the logger it describes.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := app.NewLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			application, err := app.NewApplication(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			ctx := cmd.Context()
			if err := application.Start(ctx); err != nil {
				_ = application.Stop(context.Background())
				return err
			}

			<-ctx.Done()
			logger.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return application.Stop(shutdownCtx)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and verify the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			applied, err := app.RunMigrations(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}
