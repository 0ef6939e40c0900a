package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/lifesync/internal/config"
	"github.com/mschirtzinger/lifesync/internal/dashboard"
	"github.com/mschirtzinger/lifesync/internal/loadtest"
	"github.com/mschirtzinger/lifesync/internal/migrate"
	"github.com/mschirtzinger/lifesync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with a live status dashboard",
	Long: `Start the background sync daemon together with a local HTTP dashboard.

Endpoints:
  /ws       WebSocket stream of drain_finished, operation_dropped,
            fallback and queue_depth messages
  /status   engine status as JSON
  /metrics  Prometheus metrics
  /health   liveness
  POST /sync  request a sync now

Example usage:
  lifesync dashboard               # Start on the configured port (7420)
  lifesync dashboard --port 9000   # Start on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Dashboard.Port
		}

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		d, err := newDaemon(a)
		if err != nil {
			return err
		}

		server := dashboard.NewServer(&dashboard.Config{
			Addr:     fmt.Sprintf("127.0.0.1:%d", port),
			Status:   a.eng.Status,
			Trigger:  d.Trigger,
			Gatherer: a.registry,
			Logger:   a.logger("dashboard"),
		})
		a.eng.AddObserver(dashboard.NewHandler(server, a.logger("dashboard")))

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}()

		addr := server.GetAddr()
		fmt.Printf("%s Dashboard started on http://%s\n", ui.RenderAccent("→"), addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Metrics: http://%s/metrics\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		return d.Start(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath()
		if configPath != "" {
			path = configPath
		}
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.APIKey != "" {
			shown.Remote.APIKey = "********"
		}
		return printJSON(shown)
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Export every local collection as JSONL or YAML",
	Long: `Export every collection in the local cache.

Without a file the export goes to stdout. The format defaults to the file
extension (.jsonl, .yaml, .yml), or JSONL.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formatName, _ := cmd.Flags().GetString("format")
		if formatName == "" && len(args) == 1 {
			formatName = filepath.Ext(args[0])
		}
		format, err := migrate.ParseFormat(formatName)
		if err != nil {
			return err
		}

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if len(args) == 0 {
			_, err := migrate.Export(ctx, a.cache, os.Stdout, format)
			return err
		}
		result, err := migrate.ExportFile(ctx, a.cache, args[0], format)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records from %d collections to %s\n",
			ui.RenderPass("✓"), result.Records, result.Collections, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Import records from a JSONL or YAML export",
	Long: `Import records into the local cache. Records whose id is already present
are skipped. Imported records stay on this device until the next sync
mirrors them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formatName, _ := cmd.Flags().GetString("format")
		if formatName == "" {
			formatName = filepath.Ext(args[0])
		}
		format, err := migrate.ParseFormat(formatName)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		// #nosec G304 - controlled path from CLI
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		opts := migrate.ImportOptions{Kinds: a.stores.Kinds(), DryRun: dryRun}
		if backup {
			opts.BackupPath = filepath.Join(a.cfg.DataDir, "backups",
				"before-import-"+time.Now().Format("20060102-150405")+".jsonl")
		}
		result, err := migrate.Import(ctx, a.cache, f, format, opts)
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d records, skipped %d already present\n", ui.RenderPass("✓"), verb, result.Imported, result.Skipped)
		if result.BackupCreated != "" {
			fmt.Printf("  Backup: %s\n", result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), msg)
		}
		return nil
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress the sync engine with concurrent writers",
	Long: `Run concurrent writers against a scratch cache and an in-process remote
with injected transient failures, then sync and verify that every write
arrived exactly once. Your own data is not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		writers, _ := cmd.Flags().GetInt("writers")
		writes, _ := cmd.Flags().GetInt("writes")
		failure, _ := cmd.Flags().GetFloat64("failure-rate")
		offline, _ := cmd.Flags().GetBool("offline")

		dir, err := os.MkdirTemp("", "lifesync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.NewHarness(ctx, loadtest.Config{
			CachePath:   filepath.Join(dir, "cache.db"),
			Online:      !offline,
			FailureRate: failure,
			Seed:        time.Now().UnixNano(),
		})
		if err != nil {
			return err
		}
		defer h.Close()

		fmt.Printf("%s %d writers x %d writes (failure rate %.0f%%)\n", ui.RenderAccent("→"), writers, writes, failure*100)
		stats, err := h.RunConcurrentWrites(ctx, writers, writes)
		if err != nil {
			return err
		}
		stats.PrintStats(os.Stdout)

		start := time.Now()
		processed, err := h.SyncAll(ctx, 10)
		if err != nil {
			return err
		}
		fmt.Printf("%s Synced %d queued operations in %v\n", ui.RenderAccent("→"), processed, time.Since(start).Round(time.Millisecond))

		if err := h.Verify(ctx, writers*((writes+1)/2), writers*(writes/2)); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Printf("%s No lost or duplicated writes\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("writers", 20, "concurrent writers")
	loadtestCmd.Flags().Int("writes", 25, "writes per writer")
	loadtestCmd.Flags().Float64("failure-rate", 0.2, "probability of a transient remote failure")
	loadtestCmd.Flags().Bool("offline", false, "write while signed out, then sign in")

	dashboardCmd.Flags().Int("port", 0, "port to listen on (default: dashboard.port)")

	exportCmd.Flags().String("format", "", "jsonl or yaml")
	importCmd.Flags().String("format", "", "jsonl or yaml (default: from the file extension)")
	importCmd.Flags().Bool("dry-run", false, "count what would be imported without writing")
	importCmd.Flags().Bool("backup", true, "export the cache to data_dir/backups first")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(loadtestCmd)
}
