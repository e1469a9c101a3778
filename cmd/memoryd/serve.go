package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/driftlock/memoryd/internal/config"
	"github.com/driftlock/memoryd/internal/embeddings"
	"github.com/driftlock/memoryd/internal/engine"
	httpserver "github.com/driftlock/memoryd/internal/http"
	"github.com/driftlock/memoryd/internal/logging"
	"github.com/driftlock/memoryd/internal/memory"
	"github.com/driftlock/memoryd/internal/telemetry"
)

var (
	configPath   string
	logLevel     string
	logFormat    string
	otelEnabled  bool
	otelEndpoint string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memoryd daemon",
	Long: `Start the memoryd daemon: connect to the storage engine, provision the
logical database, and serve the REST API until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/memoryd/config.yaml)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel", false, "enable OpenTelemetry export")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "localhost:4317", "OTLP gRPC endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting memoryd",
		zap.String("version", version),
		zap.String("engine_addr", cfg.Engine.Addr()),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Int("server_port", cfg.Server.Port))

	tel, err := initTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown incomplete", zap.Error(err))
		}
	}()

	embeddingMetrics, err := embeddings.NewMetrics()
	if err != nil {
		return fmt.Errorf("creating embedding metrics: %w", err)
	}
	embedder, err := embeddings.NewService(cfg.Embedding, embeddings.Options{
		Logger:  logger.Named("embeddings"),
		Metrics: embeddingMetrics,
	})
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	service, err := memory.NewService(memory.Params{
		Dial: func(ctx context.Context) (engine.Engine, error) {
			return engine.Dial(ctx, engine.HTTPConfig{Addr: cfg.Engine.Addr()})
		},
		Embedder:          embedder,
		Store:             cfg.Store,
		ConnectRetries:    cfg.Engine.ConnectRetries,
		ConnectRetryDelay: time.Duration(cfg.Engine.ConnectRetryDelay),
		Logger:            logger.Named("memory"),
	})
	if err != nil {
		return fmt.Errorf("creating memory service: %w", err)
	}

	if err := service.Open(ctx); err != nil {
		return fmt.Errorf("connecting to storage engine: %w", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Warn(ctx, "engine close failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "engine connected",
		zap.String("database", cfg.Store.Database),
		zap.String("table_prefix", cfg.Store.TablePrefix))

	srv, err := httpserver.NewServer(service, logger.Underlying(), cfg.Server)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down on signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info(ctx, "shutdown complete")
	return nil
}

func initLogger() (*logging.Logger, error) {
	cfg := logging.NewDefaultConfig()
	cfg.Format = logFormat

	var level zapcore.Level
	if err := level.Set(logLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	cfg.Level = level

	return logging.NewLogger(cfg)
}

func initTelemetry(ctx context.Context) (*telemetry.Telemetry, error) {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = otelEnabled
	cfg.Endpoint = otelEndpoint
	cfg.ServiceVersion = version
	return telemetry.New(ctx, cfg)
}
