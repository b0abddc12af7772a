// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/brokerish/broker"
	"github.com/absmach/brokerish/broker/middleware"
	"github.com/absmach/brokerish/config"
	"github.com/absmach/brokerish/core"
	"github.com/absmach/brokerish/ratelimit"
	"github.com/absmach/brokerish/server/health"
	"github.com/absmach/brokerish/server/otel"
	"github.com/absmach/brokerish/server/tcp"
	"github.com/absmach/brokerish/server/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "brokerish",
		Short:         "MQTT 5.0 broker",
		Long:          `brokerish is an MQTT 5.0 broker delivering QoS 0 messages over TCP and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newConfigCmd(opts), newVersionCmd())
	return root
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "brokerish %s (commit %s)\n", version, commit)
		},
	}
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// instanceID returns the configured service instance id or a fresh one.
func instanceID(cfg config.TelemetryConfig) (string, error) {
	if cfg.InstanceID != "" {
		return cfg.InstanceID, nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate instance ID: %w", err)
	}
	return id.String(), nil
}

// run starts the broker loop and every enabled listener and blocks until ctx
// is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting MQTT broker", "version", version)

	var metrics broker.Metrics
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		id, err := instanceID(cfg.Telemetry)
		if err != nil {
			return err
		}
		shutdown, err := otel.InitProvider(ctx, cfg.Telemetry, id)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()
		logger.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"instance_id", id,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	pool := core.NewBufferPool(cfg.Broker.MaxPacketSize, cfg.Broker.BufferPoolSize)
	if cfg.Telemetry.MetricsEnabled {
		m, err := otel.NewMetrics(nil)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}
	b := broker.New(cfg.BrokerSettings(), pool, logger, metrics, nil)
	if m, ok := metrics.(*otel.Metrics); ok {
		reg, err := m.ObserveBroker(b.Stats)
		if err != nil {
			return fmt.Errorf("failed to register broker gauges: %w", err)
		}
		defer reg.Unregister()
	}

	limiter := ratelimit.New(cfg.Server.RateLimit)
	if limiter != nil {
		defer limiter.Stop()
		logger.Info("Connection rate limiting enabled",
			slog.Float64("per_second", cfg.Server.RateLimit.Rate),
			slog.Int("burst", cfg.Server.RateLimit.Burst))
	}

	tlsCfg, err := cfg.Server.LoadTLS()
	if err != nil {
		return err
	}

	// The broker loop stops on the same signal as the listeners. Its shutdown
	// sends DISCONNECT to every client, which lets the listeners drain.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })

	if cfg.Server.TCPAddr != "" {
		srv := tcp.New(tcp.Config{
			Address:         cfg.Server.TCPAddr,
			TLSConfig:       tlsCfg,
			Logger:          logger,
			RateLimiter:     limiter,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.TCPMaxConn,
		}, middleware.NewLogging(b, "tcp", logger))
		g.Go(func() error { return srv.Listen(gctx) })
	}

	if cfg.Server.WSEnabled {
		srv := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			AllowedOrigins:  cfg.Server.WSOrigins,
			RateLimiter:     limiter,
		}, middleware.NewLogging(b, "websocket", logger), logger)
		g.Go(func() error { return srv.Listen(gctx) })
	}

	if cfg.Server.HealthEnabled {
		srv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: 5 * time.Second,
		}, b, logger)
		g.Go(func() error { return srv.Listen(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Broker stopped with error", "error", err)
		return err
	}
	logger.Info("Broker stopped")
	return nil
}
