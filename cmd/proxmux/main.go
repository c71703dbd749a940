package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxmux/proxmux/internal/alerts"
	"github.com/proxmux/proxmux/internal/api"
	"github.com/proxmux/proxmux/internal/config"
	"github.com/proxmux/proxmux/internal/dispatch"
	"github.com/proxmux/proxmux/internal/executor"
	"github.com/proxmux/proxmux/internal/logging"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/internal/monitoring"
	"github.com/proxmux/proxmux/internal/registry"
	"github.com/proxmux/proxmux/internal/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "proxmux",
	Short:   "proxmux - multi-endpoint Proxmox VE control plane",
	Long:    `proxmux keeps a live view of multiple Proxmox VE endpoints, dispatches batch commands against their guests, and raises operational alerts from polled metrics`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("proxmux %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.LogLevel,
		Component: "proxmux",
	})

	log.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Dur("pollInterval", cfg.PollInterval).
		Msg("Starting proxmux")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := models.NewState()
	hub := websocket.NewHub(state.Snapshot)
	go hub.Run()

	engine := alerts.NewEngine(alerts.DefaultThresholds(), hub)

	policy := executor.RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
	reg := registry.New(state, hub, policy, cfg.RequestTimeout)
	monitor := monitoring.New(state, reg, hub, engine, cfg.PollInterval)
	monitor.Start(ctx)

	dispatcher := dispatch.New(reg, state, hub, cfg.BatchConcurrency, cfg.BatchTimeout)

	endpoints, err := config.LoadEndpoints(cfg.EndpointsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EndpointsFile).Msg("Failed to load endpoints file")
	}
	reg.Sync(endpoints)

	if err := config.WatchEndpoints(ctx, cfg.EndpointsFile, reg.Sync); err != nil {
		log.Warn().Err(err).Msg("Endpoints file watching disabled")
	}

	router := api.NewRouter(reg, state, dispatcher, engine, hub)
	apiServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown incomplete")
	}

	cancel()
	monitor.Stop()
	hub.Stop()
	log.Info().Msg("Shutdown complete")
}
