package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flydelta/internal/app"
	"flydelta/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Flight server",
		Long: `Start the Flight server with the given tables.

Tables are name=uri pairs. The format is inferred from the location unless a
tables file gives it explicitly.`,
		Example: `  flydelta serve -t users=s3://bucket/users -t events=/data/events.parquet
  flydelta serve --tables-file tables.yaml --pool-size 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			printServeBanner(cmd.OutOrStdout(), cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()
			return runServer(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// loadServeConfig resolves configuration with flag > env > .env > default
// precedence.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printServeBanner(w io.Writer, cfg *config.Config) {
	if len(cfg.Tables) == 0 {
		printStatus(w, colorYellow, "Warning: No tables registered")
	}
	printStatus(w, colorGreen, "Starting flydelta on grpc://"+cfg.ListenAddr())
	printStatus(w, colorGreen, fmt.Sprintf("Connection pool size: %d, batch size: %d", cfg.PoolSize, cfg.BatchSize))
	for _, t := range cfg.Tables {
		_, _ = fmt.Fprintf(w, "  %s -> %s\n", colorize(w, colorBlue, t.Name), t.Location)
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := app.NewLogger(cfg, os.Stderr)
	a, err := app.New(ctx, cfg, app.Options{Logger: logger, Version: version})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
