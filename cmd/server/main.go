package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/udp-relay-service/internal/config"
	"github.com/skypro1111/udp-relay-service/internal/console"
	"github.com/skypro1111/udp-relay-service/internal/metrics"
	"github.com/skypro1111/udp-relay-service/internal/registry"
	"github.com/skypro1111/udp-relay-service/internal/relay"
	"github.com/skypro1111/udp-relay-service/internal/server"
	"github.com/skypro1111/udp-relay-service/internal/storage"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "udp-relay-service"
	serviceVersion    = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	enableConsole := flag.Bool("console", true, "Read operator commands (/quit, /peers, /stats) from stdin")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("queue_size", cfg.Server.QueueSize),
		slog.Int("max_inflight_sends", cfg.Relay.MaxInFlightSends),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger, *enableConsole); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger, enableConsole bool) error {
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open location store: %w", err)
	}
	var sink relay.LocationSink
	if store != nil {
		sink = store
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Error closing location store", slog.String("error", err.Error()))
			}
		}()
	}
	logger.Info("Location store initialized", slog.String("driver", cfg.Storage.Driver))

	peers := registry.New()
	udpServer := server.NewUDPServer(&cfg.Server, logger, appMetrics)

	engine := relay.NewEngine(relay.Config{
		MaxInFlightSends: int64(cfg.Relay.MaxInFlightSends),
		SinkTimeout:      cfg.Relay.GetSinkTimeoutDuration(),
	}, udpServer, peers, sink, logger, appMetrics)
	defer engine.Close()

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, engine, peers, udpServer, store, appMetrics, nil)
		logger.Info("HTTP API server initialized",
			slog.String("address", net.JoinHostPort(cfg.HTTP.Address, strconv.Itoa(cfg.HTTP.Port))),
		)
	}

	if err := udpServer.Start(engine); err != nil {
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			udpServer.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if enableConsole {
		cons := console.New(os.Stdin, os.Stdout, logger)
		cons.Register(console.PeersCommand(peers))
		cons.Register(console.StatsCommand(func() any {
			return map[string]any{
				"udp":   udpServer.GetStatistics(),
				"relay": engine.Statistics(),
			}
		}))

		g.Go(func() error {
			return cons.Run(gctx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.LocalAddr().String()),
	)

	g.Go(func() error {
		<-gctx.Done()

		if ctx.Err() != nil {
			logger.Info("Received shutdown signal")
		} else {
			logger.Info("Quit requested from console")
		}
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop HTTP server first (stop accepting new requests)
		if httpServer != nil {
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}

		// Stop reading; queued datagrams are still dispatched
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}

		// Let in-flight sends and location writes finish while the socket is open
		if err := engine.Drain(shutdownCtx); err != nil {
			logger.Warn("Abandoning in-flight sends", slog.String("error", err.Error()))
		}

		if err := udpServer.Close(); err != nil {
			logger.Error("Error closing UDP socket", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, console.ErrQuit) {
		return err
	}

	udpStats := udpServer.GetStatistics()
	relayStats := engine.Statistics()
	logger.Info("Final relay statistics",
		slog.Uint64("packets_received", udpStats.PacketsReceived),
		slog.Uint64("receive_errors", udpStats.ReceiveErrors),
		slog.Uint64("queue_drops", udpStats.QueueDrops),
		slog.Uint64("connects", relayStats.Connects),
		slog.Uint64("disconnects", relayStats.Disconnects),
		slog.Uint64("implicit_disconnects", relayStats.ImplicitDisconnects),
		slog.Uint64("broadcasts", relayStats.Broadcasts),
		slog.Uint64("send_errors", relayStats.SendErrors),
		slog.Int("active_peers", relayStats.ActivePeers),
	)

	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
