package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/occusoft/occuplan/pkg/api"
	"github.com/occusoft/occuplan/pkg/backpressure"
	"github.com/occusoft/occuplan/pkg/compute"
	"github.com/occusoft/occuplan/pkg/config"
	"github.com/occusoft/occuplan/pkg/dataset"
	"github.com/occusoft/occuplan/pkg/estimator"
	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/hierarchy"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/metrics"
	"github.com/occusoft/occuplan/pkg/monitor"
	"github.com/occusoft/occuplan/pkg/planner"
	"github.com/occusoft/occuplan/pkg/scheduler"
	"github.com/occusoft/occuplan/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "occuplan",
	Short: "Occuplan - Occupancy chunk planning and scheduling service",
	Long: `Occuplan plans occupancy computations over a space hierarchy,
splits them into per-space time chunks, schedules source chunks against
an execution substrate, and rolls derived chunks up once their children
complete.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Occuplan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the occuplan service",
	Long: `Start the planner, schedulers, timeout monitor, and HTTP API as a
single process. Configuration is read from the YAML file given by --config,
with OCCUPLAN_* environment variables taking precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(cfg.LogConfig())
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	fmt.Println("Starting occuplan...")
	fmt.Printf("  API Address: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  State DB: %s\n", cfg.Storage.StateDB)
	fmt.Printf("  Presence DB: %s\n", cfg.Storage.PresenceDB)
	fmt.Printf("  Results: %s\n", cfg.Storage.BlobURL)
	fmt.Printf("  Executor: %s\n", cfg.Executor.Mode)
	fmt.Println()

	store, err := storage.NewSQLiteStore(cfg.Storage.StateDB)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent(metrics.ComponentStorage, true, "")

	hier, err := hierarchy.OpenSQLSource(cfg.Storage.PresenceDB)
	if err != nil {
		return fmt.Errorf("open presence db: %w", err)
	}
	defer hier.Close()

	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, cfg.Storage.BlobURL)
	if err != nil {
		return fmt.Errorf("open result bucket: %w", err)
	}
	defer bucket.Close()

	cursors, err := scheduler.OpenCursorStore(cfg.Storage.CursorDB)
	if err != nil {
		return fmt.Errorf("open cursor db: %w", err)
	}
	defer cursors.Close()

	var exec executor.Executor
	var localExec *executor.Local
	switch cfg.Executor.Mode {
	case "remote":
		exec, err = executor.NewRemote(cfg.RemoteExecutorConfig())
		if err != nil {
			return fmt.Errorf("configure remote executor: %w", err)
		}
	default:
		engine := compute.NewEngine(bucket, hier, hier, store)
		localExec = executor.NewLocal(store, engine, cfg.LocalExecutorConfig())
		exec = localExec
	}
	metrics.UpdateComponent(metrics.ComponentExecutor, true, "")

	est := estimator.New(store, cfg.EstimatorConfig())
	gate := backpressure.NewGate(cfg.BackpressureConfig())
	resolver := hierarchy.NewResolver(hier)

	pln := planner.New(store, resolver, cfg.PlannerConfig())
	pln.Start()
	fmt.Println("✓ Planner started")

	sub := scheduler.NewSubmission(store, gate, est, exec, cfg.SubmissionConfig())
	sub.Start()
	fmt.Println("✓ Submission scheduler started")

	dep := scheduler.NewDependency(store, gate, est, exec, hier, cursors, cfg.DependencyConfig())
	dep.Start()
	fmt.Println("✓ Dependency scheduler started")

	mon := monitor.New(store, exec, cfg.MonitorConfig())
	mon.Start()
	fmt.Println("✓ Timeout monitor started")

	collector := metrics.NewCollector(store, gate)
	collector.Start()
	fmt.Println("✓ Metrics collector started")

	srv := api.NewServer(dataset.NewService(store, resolver), cfg.APIConfig())
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ API server listening on %s\n", cfg.API.ListenAddr)
	fmt.Println()
	fmt.Println("Occuplan is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
		return err
	}

	// Stop producers before the executor so no submissions race the drain.
	pln.Stop()
	sub.Stop()
	dep.Stop()
	mon.Stop()
	collector.Stop()
	if localExec != nil {
		localExec.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}

	fmt.Println("Occuplan stopped.")
	return nil
}
