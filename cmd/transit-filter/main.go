package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/config"
	"github.com/slot181/transit-filter-api/internal/health"
	"github.com/slot181/transit-filter-api/internal/middleware"
	"github.com/slot181/transit-filter-api/internal/moderation"
	"github.com/slot181/transit-filter-api/internal/proxy"
	"github.com/slot181/transit-filter-api/internal/relay"
	"github.com/slot181/transit-filter-api/internal/retry"
	"github.com/slot181/transit-filter-api/internal/security"
	"github.com/slot181/transit-filter-api/internal/server"
)

// Application wires the pipeline components together
type Application struct {
	config *config.Config
	server *server.Server
	logger *logrus.Logger
}

// NewApplication builds the full dependency graph from configuration
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	breaker := health.NewProviderBreaker(cfg.ServiceHealth.MaxErrors, cfg.ServiceHealth.ErrorWindow, logger)
	burst := health.NewBurstBreaker(server.BurstThreshold, logger)
	limiter := security.NewMultiTierLimiter(cfg.RateLimits, logger)
	auth := security.NewAuthenticator(cfg.Auth.Key, cfg.Auth.AdminJWTSecret, logger)
	retryer := retry.NewEngine(cfg.Timeouts, logger)

	classifier, err := moderation.NewClassifier(cfg.FirstProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create moderation classifier: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	preprocessor := moderation.NewPreprocessor(rng, logger)
	moderator := moderation.NewEngine(
		cfg.FirstProvider,
		cfg.Moderation,
		cfg.AttemptTimeout(),
		classifier,
		preprocessor,
		breaker,
		rng,
		logger,
	)

	forwarder := proxy.NewForwarder(cfg.SecondProvider, cfg.AttemptTimeout(), breaker, logger)
	streamRelay := relay.NewRelay(cfg.Timeouts.StreamTimeout, logger)

	validation, err := middleware.NewValidationMiddleware(cfg.Server.ValidateRequests, cfg.Server.OpenAPISpecPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation middleware: %w", err)
	}

	srv := server.NewServer(cfg, server.Deps{
		Auth:       auth,
		Limiter:    limiter,
		Burst:      burst,
		Breaker:    breaker,
		Retryer:    retryer,
		Moderator:  moderator,
		Forwarder:  forwarder,
		Relay:      streamRelay,
		Validation: validation,
	}, logger)

	return &Application{
		config: cfg,
		server: srv,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until shutdown
func (app *Application) Run() error {
	app.logger.Info("Starting transit filter API")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	logger.SetOutput(os.Stdout)
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
