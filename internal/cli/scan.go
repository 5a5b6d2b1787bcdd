package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanforge-io/scanforge/internal/config"
	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/plugin/modules"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/storage"
	"github.com/scanforge-io/scanforge/internal/target"
)

const progressPollInterval = time.Second

// runScan runs one scan to completion and writes the collected events to
// stdout in the requested format. Progress goes to stderr.
func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateArgs(); err != nil {
		return err
	}

	// Validate the target up front so a hopeless seed exits before any
	// database state is created.
	targetType, _, err := target.Classify(flagTarget)
	if err != nil {
		return err
	}

	if flagType != "" && flagType != targetType {
		return &exitError{
			code: exitUnresolvable,
			msg:  fmt.Sprintf("target classifies as %s, not %s", targetType, flagType),
		}
	}

	// CLI runs keep logging quiet; scan detail lands in the scan_log table.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	databaseURL := flagDB
	if databaseURL == "" {
		databaseURL = config.GetEnvStr("SCANFORGE_DATABASE_URL", "scanforge.db")
	}

	conn, err := storage.NewConnection(storage.NewConfig(databaseURL))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	store, err := storage.NewScanStore(conn, logger)
	if err != nil {
		return fmt.Errorf("initializing scan store: %w", err)
	}

	registry := plugin.NewRegistry()
	for _, factory := range modules.Builtin() {
		registry.MustRegister(factory)
	}

	loader := correlation.NewLoader("", logger)
	if err := loader.Load(); err != nil {
		return fmt.Errorf("loading correlation rules: %w", err)
	}

	engine := correlation.NewEngine(store, loader, logger)

	scheduler := scan.NewScheduler(store, registry, scan.LoadConfig(),
		scan.WithCorrelator(engine),
		scan.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanID, err := scheduler.StartScan(ctx, scan.StartRequest{
		Target:  flagTarget,
		Modules: moduleList(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "sf: scan %s started against %s (%s)\n", scanID, flagTarget, targetType)

	status, err := waitForScan(cmd, scheduler, scanID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "sf: scan %s %s\n", scanID, status)

	queries := query.NewService(store, logger)
	if err := queries.ExportEvents(cmd.Context(), os.Stdout, scanID, flagOutput); err != nil {
		return err
	}

	if status != scan.StatusFinished {
		return &exitError{code: exitGeneric, msg: fmt.Sprintf("scan ended with status %s", status)}
	}

	return nil
}

// waitForScan blocks until the scan is terminal, echoing progress to
// stderr. An interrupt requests a graceful abort and keeps waiting for
// the terminal snapshot.
func waitForScan(cmd *cobra.Command, scheduler *scan.Scheduler, scanID string) (scan.Status, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stream over the command context so an interrupt does not kill the
	// stream before the abort completes.
	snapshots, err := scheduler.StreamProgress(cmd.Context(), scanID, progressPollInterval)
	if err != nil {
		return "", err
	}

	var last scan.ProgressSnapshot

	interrupt := ctx.Done()

	for {
		select {
		case <-interrupt:
			// Disarm so the closed channel does not spin the loop.
			interrupt = nil

			fmt.Fprintln(os.Stderr, "sf: interrupt received, stopping scan")

			if err := scheduler.StopScan(cmd.Context(), scanID); err != nil {
				return "", err
			}

		case snap, open := <-snapshots:
			if !open {
				return last.Status, nil
			}

			last = snap

			fmt.Fprintf(os.Stderr, "sf: %s %.0f%% (%d/%d modules)\n",
				snap.Status, snap.OverallPercent, snap.ModulesFinished, snap.ModulesTotal)
		}
	}
}
