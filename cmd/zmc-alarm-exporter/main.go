package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/api"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/backend"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/engine"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/logging"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/store"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/transform"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "zmc-alarm-exporter",
	Short:   "ZMC alarm exporter - pushes ZMC alarms to Alertmanager or OpsGenie",
	Long:    `zmc-alarm-exporter watches the ZMC alarm tables in PostgreSQL and reconciles them against a notification backend: new alarms fire, cleared alarms resolve, masked alarms become silences.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zmc-alarm-exporter %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the sync-owned tables and exit",
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "zmc-alarm-exporter"})

		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		if err := store.Migrate(context.Background(), cfg.Store.ConnString()); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reconfigured once config is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "zmc-alarm-exporter",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:     cfg.Log.Format,
		Level:      cfg.Log.Level,
		Component:  "zmc-alarm-exporter",
		FilePath:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("backend_mode", cfg.Backend.Mode).
		Msg("Starting ZMC alarm exporter")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer st.Close()

	be, err := backend.New(cfg.Backend, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build notification backend")
	}
	defer be.Close()

	eng := engine.New(st, be, transform.New(cfg), cfg)

	router := api.New(cfg, st, be, eng, Version)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Watch the env file so log level and scan interval apply live.
	watcher, err := config.NewWatcher(cfg, func(changes []string) {
		logging.SetLevel(cfg.Log.Level)
		if err := eng.SetScanInterval(cfg.Sync.Interval()); err != nil {
			log.Warn().Err(err).Msg("Rejected reloaded scan interval")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, env changes will require restart")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	if cfg.Sync.Enabled {
		if err := eng.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start sync engine")
		}
	} else {
		log.Info().Msg("Sync disabled, serving API only")
	}

	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.Reload()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down")
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if err := eng.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		log.Error().Err(err).Msg("Engine stop error")
	}
	cancel()

	log.Info().Msg("Exporter stopped")
}
