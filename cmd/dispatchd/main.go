package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/breaker"
	"github.com/arbiterlabs/dispatch/internal/config"
	"github.com/arbiterlabs/dispatch/internal/dispatch"
	"github.com/arbiterlabs/dispatch/internal/gate"
	"github.com/arbiterlabs/dispatch/internal/observe"
	"github.com/arbiterlabs/dispatch/internal/policy"
	"github.com/arbiterlabs/dispatch/internal/pressure"
	"github.com/arbiterlabs/dispatch/internal/providers"
	providersanthropic "github.com/arbiterlabs/dispatch/internal/providers/anthropic"
	providersopenai "github.com/arbiterlabs/dispatch/internal/providers/openai"
	"github.com/arbiterlabs/dispatch/internal/quota"
	"github.com/arbiterlabs/dispatch/internal/ranking"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/server"
)

// Application wires the engine together for the dispatchd binary.
type Application struct {
	config   *config.Config
	server   *server.Server
	reporter *observe.LogReporter
	logger   *logrus.Logger
}

// NewApplication loads configuration and assembles every component.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	reg, err := registry.New(cfg.Catalog, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}
	ledger, err := quota.NewLedger(cfg.Quota, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build quota ledger: %w", err)
	}
	if err := ledger.ValidateCoverage(reg); err != nil {
		return nil, fmt.Errorf("quota coverage check failed: %w", err)
	}

	policyLayer := policy.NewLayer(policy.Flags{}, logger)
	breakers := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, logger)
	reporter := observe.NewLogReporter(cfg.Observe, logger)

	executors, err := buildExecutors(cfg, logger)
	if err != nil {
		return nil, err
	}

	controller, err := dispatch.NewController(dispatch.Deps{
		Registry:  reg,
		Pressure:  pressure.NewCalculator(cfg.Pressure, logger),
		Sessions:  pressure.NewCache(),
		Ledger:    ledger,
		Breakers:  breakers,
		Policy:    policyLayer,
		Gate:      gate.New(policyLayer, logger),
		Ranker:    ranking.NewEngine(reg, cfg.Ceilings, logger),
		Executors: executors,
		Reporter:  reporter,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch controller: %w", err)
	}

	srv, err := server.New(server.Deps{
		Controller: controller,
		Registry:   reg,
		Breakers:   breakers,
		Policy:     policyLayer,
		Ledger:     ledger,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:   cfg,
		server:   srv,
		reporter: reporter,
		logger:   logger,
	}, nil
}

// Run starts the HTTP server and blocks until a signal or server error.
func (app *Application) Run() error {
	app.logger.Info("Starting dispatch engine")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	app.reporter.Stop()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

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

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}
	return nil
}

// buildExecutors constructs one executor per provider family in the catalog.
func buildExecutors(cfg *config.Config, logger *logrus.Logger) (map[string]providers.Executor, error) {
	executors := make(map[string]providers.Executor)

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		executors["openai"] = providersopenai.NewExecutor(cfg.Providers.OpenAI, logger)
		logger.WithField("family", "openai").Info("Provider executor registered")
	}
	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		executors["anthropic"] = providersanthropic.NewExecutor(cfg.Providers.Anthropic, logger)
		logger.WithField("family", "anthropic").Info("Provider executor registered")
	}

	if len(executors) == 0 {
		return nil, fmt.Errorf("no provider executors registered - check your configuration and API keys")
	}
	return executors, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY        OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY     Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  DISPATCH_PORT         Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  DISPATCH_LOG_LEVEL    Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  DISPATCH_LOG_FORMAT   Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  DISPATCH_JWT_SECRET   JWT signing secret for operator tokens\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showHelp := flag.Bool("help", false, "Show usage information")
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.WithError(err).Fatal("Application error")
	}
}
