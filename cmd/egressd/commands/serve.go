package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/egressd/internal/config"
	"github.com/busybox42/egressd/internal/engine"
	"github.com/busybox42/egressd/internal/logging"
)

func newServeCmd(opts *options) *cobra.Command {
	var hostname string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery engine",
		Long: `Load the spool, start the scheduled and ready queues and serve the admin
API until SIGINT or SIGTERM. SIGHUP reloads the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if hostname != "" {
				cfg.Server.Hostname = hostname
			}
			return serve(cmd.Context(), opts, cfg)
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "server hostname (overrides config)")
	return cmd
}

// loadConfig loads the dotenv files and then the configuration
func loadConfig(opts *options) (*config.Config, error) {
	if err := config.LoadEnv(opts.envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, opts *options, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	closer, err := logging.Setup(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger := slog.Default().With("component", "serve")
	for _, w := range cfg.Warnings() {
		logger.Warn("Configuration warning", "warning", w)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := loadConfig(opts)
				if err != nil {
					logger.Error("Reload failed", "error", err)
					continue
				}
				if err := e.Reload(ctx, next); err != nil {
					logger.Error("Reload failed", "error", err)
				}
			}
		}
	}()

	logger.Info("Starting egressd", "version", Version, "hostname", cfg.Server.Hostname)
	if err := e.Run(ctx); err != nil {
		return fmt.Errorf("engine stopped with errors: %w", err)
	}
	return nil
}
