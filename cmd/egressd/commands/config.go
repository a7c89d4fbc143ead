package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/egressd/internal/config"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating egressd configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath := "egressd.toml"
			if len(args) > 0 {
				outputPath = args[0]
			}
			if err := config.CreateDefaultConfig(outputPath); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := *opts
			if len(args) > 0 {
				o.configPath = args[0]
			}
			cfg, err := loadConfig(&o)
			if err != nil {
				return err
			}
			return printValidation(cmd, cfg)
		},
	})
	return cmd
}

func printValidation(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	result := cfg.Validate()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if result.Valid {
		fmt.Fprintf(out, "Configuration Summary:\n")
		fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
		fmt.Fprintf(out, "  Admin API: %s\n", orDisabled(cfg.Server.AdminListen))
		fmt.Fprintf(out, "  Metrics: %s\n", orDisabled(cfg.Server.MetricsListen))
		fmt.Fprintf(out, "  Spool: %s\n", cfg.Spool.Driver)
		fmt.Fprintf(out, "  Throttle store: %s\n", cfg.Throttle.Backend)
		fmt.Fprintf(out, "  Rules: %d queue, %d path, %d pool, %d source\n",
			len(cfg.Queues), len(cfg.Paths), len(cfg.Pools), len(cfg.Sources))
	}

	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}
	return nil
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
