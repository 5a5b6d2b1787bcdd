// Package main provides the ScanForge scan engine service.
//
// The service exposes the REST API for launching scans, streaming progress,
// browsing results, running correlations and exporting data.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/scanforge-io/scanforge/internal/api"
	"github.com/scanforge-io/scanforge/internal/api/middleware"
	"github.com/scanforge-io/scanforge/internal/config"
	"github.com/scanforge-io/scanforge/internal/correlation"
	"github.com/scanforge-io/scanforge/internal/plugin"
	"github.com/scanforge-io/scanforge/internal/plugin/modules"
	"github.com/scanforge-io/scanforge/internal/query"
	"github.com/scanforge-io/scanforge/internal/scan"
	"github.com/scanforge-io/scanforge/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "scanforge"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting ScanForge service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Rate limiter (graceful shutdown handled by server.shutdown())
	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
	)

	// Storage
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewScanStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to initialize scan store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Scan store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.String("backend", string(dbConn.Backend())),
	)

	// Module registry with the built-in reference modules
	registry := plugin.NewRegistry()
	for _, factory := range modules.Builtin() {
		registry.MustRegister(factory)
	}

	logger.Info("Module registry initialized",
		slog.Int("modules", len(registry.Names())),
	)

	// Correlation rules: embedded defaults plus an optional override
	// directory watched for changes.
	rulesDir := config.GetEnvStr("SCANFORGE_RULES_DIR", "")
	loader := correlation.NewLoader(rulesDir, logger)

	if err := loader.Load(); err != nil {
		logger.Error("Failed to load correlation rules", slog.String("error", err.Error()))

		_ = dbConn.Close()

		os.Exit(1)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	loader.Watch(watchCtx)

	engine := correlation.NewEngine(store, loader, logger)

	logger.Info("Correlation engine initialized",
		slog.Int("rules", len(loader.Rules())),
		slog.String("rules_dir", rulesDir),
	)

	// Scheduler and query service
	scanConfig := scan.LoadConfig()
	scheduler := scan.NewScheduler(store, registry, scanConfig,
		scan.WithCorrelator(engine),
		scan.WithLogger(logger),
	)
	queries := query.NewService(store, logger)

	server := api.NewServer(serverConfig, scheduler, queries, engine, registry, dbConn, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("ScanForge service stopped")
}
