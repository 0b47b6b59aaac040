package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capturelab/voicemix/internal/audio"
	"github.com/capturelab/voicemix/internal/config"
	"github.com/capturelab/voicemix/internal/metrics"
	"github.com/capturelab/voicemix/internal/mixdown"
	"github.com/capturelab/voicemix/internal/output"
	"github.com/capturelab/voicemix/internal/server"
	"github.com/capturelab/voicemix/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voicemix"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_sessions", cfg.Server.MaxConcurrentSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.String("output_dir", cfg.Recording.OutputDir),
		slog.Bool("merge", cfg.Recording.Merge),
		slog.Bool("save_individual", cfg.Recording.SaveIndividual),
		slog.Bool("zip", cfg.Recording.Zip),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the ffmpeg mixer; the binary is only required when
	// merging is enabled, so it is verified up front in that case
	mixer := mixdown.NewFFmpegMixer(mixdown.Config{
		Path:       cfg.Mixer.FFmpegPath,
		Timeout:    cfg.Mixer.GetTimeoutDuration(),
		Bitrate:    cfg.Recording.Bitrate,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}, logger)
	if cfg.Recording.Merge {
		if err := mixer.Check(); err != nil {
			logger.Error("Mixer verification failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Mixer verified", slog.String("ffmpeg_path", cfg.Mixer.FFmpegPath))
	}

	// Initialize the output assembler
	assembler := output.NewAssembler(cfg.Recording.OutputDir, logger)

	// Initialize session manager
	sessionMgr := session.NewManager(logger, appMetrics, mixer, assembler, session.ManagerConfig{
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		},
		MaxSessions:    cfg.Server.MaxConcurrentSessions,
		MaxDuration:    cfg.Recording.GetMaxDuration(),
		Merge:          cfg.Recording.Merge,
		SaveIndividual: cfg.Recording.SaveIndividual,
		Zip:            cfg.Recording.Zip,
		OnEmpty:        cfg.Recording.OnEmpty,
	})
	logger.Info("Session manager initialized",
		slog.Int("max_sessions", cfg.Server.MaxConcurrentSessions),
		slog.Duration("max_duration", cfg.Recording.GetMaxDuration()),
		slog.String("output_dir", cfg.Recording.OutputDir),
	)

	// Initialize UDP server
	udpServer := server.NewUDPServer(&cfg.Server, logger, sessionMgr, appMetrics)
	logger.Info("UDP server initialized")

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, sessionMgr, udpServer, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start UDP server
	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop UDP ingest first so no new frames arrive while sessions finalize
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// Stop HTTP server (stop accepting control requests)
	if httpServer != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()

		if err := httpServer.Stop(httpCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Finalize remaining sessions with a bounded deadline
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()
	sessionMgr.Shutdown(shutdownCtx)

	// Get final statistics
	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var dst *os.File
	switch cfg.Output {
	case "stderr":
		dst = os.Stderr
	case "stdout", "":
		dst = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			dst = os.Stdout
		} else {
			dst = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(dst, opts)
	case "text", "":
		handler = slog.NewTextHandler(dst, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(dst, opts)
	}

	return slog.New(handler)
}
