// Command netwardend is the main executable for the netwarden network
// monitoring daemon. It initializes the database, the scan engine, the
// quarantine manager, and the HTTP API server, and handles graceful shutdown
// when terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/api"
	"netwarden/internal/config"
	"netwarden/internal/engine"
	"netwarden/internal/inventory"
	"netwarden/internal/maintenance"
	"netwarden/internal/probe"
	"netwarden/internal/quarantine"
	"netwarden/internal/store"
)

// Global variables for command line flags
var logLevelFlag string

// parseFlags parses command line flags and returns the config path
func parseFlags() string {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()
	return *configPath
}

func main() {
	// Parse command line flags
	configPath := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	log.Info().Msg("Starting netwarden")

	// Load configuration
	cfg := config.GetConfig()
	if err := cfg.LoadConfig(configPath); err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	configureLogging(cfg)

	// Initialize database
	log.Info().Str("path", cfg.Database.Path).Msg("Initializing database")
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Initialize quarantine enforcement
	var firewall quarantine.FirewallController
	if cfg.Enforcement.Enabled {
		firewall = quarantine.NewIPTablesController(
			cfg.Enforcement.Chains,
			cfg.Enforcement.MaxRemovalPasses,
			cfg.GetEnforcementCommandTimeout(),
		)
	} else {
		log.Warn().Msg("Enforcement disabled, quarantine will not touch the firewall")
		firewall = quarantine.NoopController{}
	}
	guard := quarantine.NewManager(db, firewall)

	// Re-apply persisted block rules before the first scan cycle
	if err := guard.Reconcile(context.Background()); err != nil {
		log.Error().Err(err).Msg("Quarantine reconciliation incomplete")
	}

	// Initialize scan providers
	scanner := probe.NewNmapScanner(cfg.Scanner.OutputDir, cfg.Scanner.TopPorts)
	vendors := probe.NewHTTPVendorLookup(cfg.Scanner.VendorLookupURL, cfg.GetVendorLookupTimeout(), db)
	resolver := &probe.DNSResolver{Timeout: 2 * time.Second}

	// Initialize scan engine
	log.Info().Msg("Initializing scan engine")
	inv := inventory.NewStore()
	eng := engine.New(cfg, db, inv, scanner, scanner, vendors, resolver, guard)
	eng.Start()

	// Initialize maintenance scheduler
	maint := maintenance.New(cfg, db, scanner)
	if err := maint.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance scheduler")
	}

	// Initialize router and API handlers
	router := mux.NewRouter()

	snapshotHandler := api.NewSnapshotHandler(cfg, db, eng)
	scanHandler := api.NewScanHandler(eng)
	quarantineHandler := api.NewQuarantineHandler(guard)

	snapshotHandler.RegisterRoutes(router)
	scanHandler.RegisterRoutes(router)
	quarantineHandler.RegisterRoutes(router)

	// Set up CORS
	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	// Set up HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(router),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Set up signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for termination signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Received termination signal")

	// Begin graceful shutdown
	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	// Shutdown HTTP server
	log.Info().Msg("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop scan engine and maintenance scheduler
	log.Info().Msg("Stopping scan engine")
	eng.Stop()
	maint.Stop()

	// Optimize database before exit
	log.Info().Msg("Optimizing database before exit")
	if err := db.OptimizeDatabase(); err != nil {
		log.Error().Err(err).Msg("Database optimization failed")
	}

	log.Info().Msg("netwarden has been shut down gracefully")
}

// configureLogging applies the configured log level and format; the
// command line flag overrides the configuration file.
func configureLogging(cfg *config.Config) {
	levelName := cfg.Logging.Level
	if logLevelFlag != "" {
		levelName = logLevelFlag
	}

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
