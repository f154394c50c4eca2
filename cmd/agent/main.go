package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/staffwatch/agent/internal/aggregate"
	"github.com/staffwatch/agent/internal/api"
	"github.com/staffwatch/agent/internal/capture"
	"github.com/staffwatch/agent/internal/config"
	"github.com/staffwatch/agent/internal/health"
	"github.com/staffwatch/agent/internal/idle"
	"github.com/staffwatch/agent/internal/metrics"
	"github.com/staffwatch/agent/internal/permission"
	"github.com/staffwatch/agent/internal/quit"
	"github.com/staffwatch/agent/internal/retry"
	"github.com/staffwatch/agent/internal/session"
	"github.com/staffwatch/agent/internal/store"
	"github.com/staffwatch/agent/internal/upload"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("AGENT_ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("db_path", cfg.DBPath).
		Bool("capture_enabled", cfg.CaptureEnabled()).
		Msg("starting tracker agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Persistence
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Close out anything a previous run left open.
	if recovered, err := st.RecoverOpenSessions(); err != nil {
		logger.Error().Err(err).Msg("session recovery failed")
	} else if recovered > 0 {
		logger.Warn().Int("sessions", recovered).Msg("recovered sessions from previous run")
	}

	m := metrics.New()

	// Permission gate
	var probe permission.Probe
	if cfg.PermissionProbeCmd != "" {
		bin, args := splitCommand(cfg.PermissionProbeCmd)
		probe = permission.CommandProbe{Bin: bin, Args: args}
	} else {
		// No capability model on this platform: both grants held.
		probe = permission.StaticProbe{Accessibility: true, ScreenRecording: true}
	}
	gate := permission.New(probe, cfg.PermissionPollInterval, m, logger)

	// Idle detection
	sensorBin, sensorArgs := splitCommand(cfg.IdleSensorCmd)
	sensor := idle.CommandSensor{Bin: sensorBin, Args: sensorArgs}
	detector := idle.New(sensor, cfg.IdleThreshold, cfg.SensorPollInterval, m, logger)

	// Evidence pipeline
	queue := upload.NewQueue(st, m, logger)
	transport := upload.NewHTTPTransport(cfg.UploadURL, cfg.UploadToken, logger)
	drainer := upload.NewDrainer(st, transport, retry.Config{
		MaxAttempts: cfg.UploadMaxAttempts,
		BaseDelay:   cfg.UploadBaseDelay,
		MaxDelay:    cfg.UploadMaxDelay,
		Jitter:      true,
	}, cfg.UploadSweepInterval, m, logger)

	// Session engine
	hub := session.NewHub(logger)
	defer hub.Close()

	controller := session.NewController(session.Config{
		TickInterval:      cfg.TickInterval,
		AggregateInterval: cfg.AggregateInterval,
		SegmentRotation:   cfg.SegmentRotation,
	}, gate, detector.Events(), st, queue, hub, m, logger)

	aggregator := aggregate.New(st, controller, logger)
	controller.SetRefresher(aggregator)

	// Quit coordination
	coordinator := quit.New(controller, drainer, cfg.QuitDrainTimeout, logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	checker.Register("activity_sensor", func(ctx context.Context) health.Status {
		if !detector.Healthy() {
			return health.StatusDegraded
		}
		return health.StatusOK
	})
	checker.Register("upload_queue", func(ctx context.Context) health.Status {
		if _, err := queue.Pending(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Health and metrics server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Control API
	handlers := api.NewHandlers(controller, gate, aggregator, coordinator, hub, logger)
	apiServer := api.NewServer(api.ServerConfig{ListenAddr: cfg.APIListenAddr}, handlers, logger)

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		gate.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		detector.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainer.Run(ctx)
	}()

	if cfg.CaptureEnabled() {
		capBin, capArgs := splitCommand(cfg.CaptureCmd)
		monitor := capture.NewMonitor(
			capture.CommandCapturer{Bin: capBin, Args: capArgs},
			controller, queue,
			cfg.CaptureMinInterval, cfg.CaptureMaxInterval,
			m, logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	} else {
		logger.Info().Msg("screenshot capture not configured — skipping")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("control API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Stop the session and flush the evidence queue before anything else.
	// Confirm does both: it closes the session, queues its time record,
	// and drains within the configured timeout.
	exitCode := 0
	status, err := coordinator.Confirm(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("shutdown drain failed")
		exitCode = 1
	} else if !status.CanExit {
		// Items stay durable in the store and upload on next start, but an
		// incomplete drain is never silent.
		logger.Error().Int("pending", status.Pending).Msg("exiting with undrained evidence items")
		exitCode = 1
	}

	// Cancel context to signal all goroutines
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("control API server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("tracker agent stopped")
	if exitCode != 0 {
		hub.Close()
		st.Close()
		os.Exit(exitCode)
	}
}

// splitCommand splits a configured helper command into binary and args.
func splitCommand(cmd string) (string, []string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
