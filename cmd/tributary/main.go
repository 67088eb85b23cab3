package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tributary-data/tributary/pkg/config"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/runner"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile, logLevel string

	root := &cobra.Command{
		Use:   "tributary",
		Short: "Tributary - bulk table replication engine",
		Long: `Tributary replicates tables from a source warehouse into a destination
through staged object storage. Each run discovers the source catalog, plans
full or incremental passes per table, and syncs tables in parallel with
checksum-based change detection.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Encoding: "console"})
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "tributary.yaml", "Path to configuration YAML file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tributary v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "plan",
		Short: "Show the table plans a run would execute, without syncing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			plans, err := runner.New(cfg).Plan(ctx)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(plans, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	var reportFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replication pass over every planned table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			start := time.Now()
			report, err := runner.New(cfg).Run(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			if reportFile != "" {
				if err := os.WriteFile(reportFile, out, 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}
			fmt.Println(string(out))
			fmt.Printf("\n%d succeeded, %d failed, %d skipped in %s\n",
				report.Succeeded, report.Failed, report.Skipped, time.Since(start).Round(time.Millisecond))

			if !report.OK() {
				os.Exit(2)
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&reportFile, "report", "", "Write the run report JSON to this file")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
