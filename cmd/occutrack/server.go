package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/occutrack/internal/config"
	"github.com/goodtune/occutrack/internal/metrics"
	"github.com/goodtune/occutrack/internal/readings"
	"github.com/goodtune/occutrack/internal/source/mqtt"
	"github.com/goodtune/occutrack/internal/state"
	"github.com/goodtune/occutrack/internal/storage"
	"github.com/goodtune/occutrack/internal/storage/bolt"
	"github.com/goodtune/occutrack/internal/storage/redis"
	"github.com/goodtune/occutrack/internal/systemd"
	"github.com/goodtune/occutrack/internal/tracker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the occutrack daemon",
	Long:  `Start the occupancy tracking daemon with MQTT discovery, durable state and a metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting occutrack")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Durable state backend
	backend, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	states := state.New(backend, parseDuration(cfg.Tracking.SaveDelay, 10*time.Second), logger)
	states.Load(context.Background())
	logger.Info().Int("sources", states.Len()).Msg("Occupancy records loaded")

	// MQTT source: discovery snapshots, change events and reading publication
	src, err := mqtt.New(mqtt.Config{
		Broker:          cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		DeviceClasses:   cfg.Tracking.DeviceClasses,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT source: %w", err)
	}
	if err := src.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing MQTT connection")
		}
	}()

	logger.Info().Str("broker", cfg.MQTT.Broker).Msg("MQTT source connected")

	reg := readings.New(states, src, cfg.MQTT.PublishPrefix, cfg.Tracking.CountersEnabled, logger)

	manager := tracker.New(
		src,
		src,
		states,
		reg,
		parseDuration(cfg.Tracking.RescanInterval, time.Minute),
		logger,
	)

	runCtx, stopRun := context.WithCancel(context.Background())
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(runCtx)
	}()

	// Metrics server, also serving readings over HTTP
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, reg.Handler(), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		stopRun()
		<-managerDone
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Str("addr", metricsAddr).Msg("Metrics server started")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	logger.Info().Msg("Occutrack startup complete")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	stopRun()
	<-managerDone

	// Flush any unsaved accrual state before the backend closes.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := states.Flush(flushCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush occupancy state")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Occutrack stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt", "":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
