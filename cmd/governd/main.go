// Governd is the governance control plane daemon. It mediates between a
// reasoning backend and the services that execute side effects: every
// intent passes a confidence gate, every plan waits for human approval, and
// the control loop halts at each decision boundary until an operator resume
// signal arrives.
//
// Usage:
//
//	# Start with the default config path (~/.config/governd/config.yaml)
//	governd
//
//	# Explicit config file and environment overrides
//	GOVERND_SERVER_PORT=8000 governd -config /etc/governd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/composer"
	"github.com/fyrsmithlabs/governd/internal/config"
	"github.com/fyrsmithlabs/governd/internal/gateway"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/logging"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
	"github.com/fyrsmithlabs/governd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to governd config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("governd\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("governd error: %v", err)
	}
	log.Println("governd shutdown complete")
}

// run wires every service explicitly and blocks until the context is
// cancelled. There are no package-level singletons: everything a component
// needs is passed to it here.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting governd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("plan_mode", cfg.Orchestrator.PlanMode))

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    "governd",
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}()

	// Optional NATS connection for the audit publisher.
	var nc *nats.Conn
	if cfg.Audit.NATSURL != "" {
		nc, err = nats.Connect(cfg.Audit.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Audit.NATSURL, err)
		}
		defer nc.Close()
		logger.Info("connected to NATS", zap.String("url", cfg.Audit.NATSURL))
	}

	auditLog, err := audit.New(audit.Options{
		HistoryPath: cfg.Audit.HistoryPath,
		NATS:        nc,
		Subject:     cfg.Audit.Subject,
		BufferSize:  cfg.Audit.BufferSize,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	// Calibration carries over from the previous run's audit history.
	calib := calibration.NewEngine(logger)
	if cfg.Audit.HistoryPath != "" {
		if events, err := audit.ReadHistory(cfg.Audit.HistoryPath, 50); err == nil && len(events) > 0 {
			calib.Seed(events)
			logger.Info("seeded calibration from history", zap.Int("events", len(events)))
		}
	}

	pol := policy.Default()
	if cfg.Policy.Path != "" {
		pol, err = policy.Load(cfg.Policy.Path)
		if err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		logger.Info("loaded policy", zap.String("path", cfg.Policy.Path))
	}

	validator, err := intent.NewValidator()
	if err != nil {
		return fmt.Errorf("failed to build intent validator: %w", err)
	}
	queue := intent.NewQueue()
	registry := plan.NewRegistry(logger)
	bridge := plan.NewBridge(registry, logger)

	reasoner, err := backend.NewReasoner(backend.ReasonerConfig{
		BaseURL:    cfg.Backend.ReasonerURL,
		Model:      cfg.Backend.ReasonerModel,
		TimeoutSec: int(cfg.Backend.ReasonerTimeout.Seconds()),
		MaxRetries: cfg.Backend.MaxRetries,
		RateLimit:  cfg.Backend.ReasonerRate,
	})
	if err != nil {
		return fmt.Errorf("failed to build reasoner client: %w", err)
	}
	executor, err := backend.NewToolExecutor(backend.ExecutorConfig{BaseURL: cfg.Backend.ActionURL})
	if err != nil {
		return fmt.Errorf("failed to build tool executor: %w", err)
	}
	gate, err := backend.NewGate(backend.GateConfig{BaseURL: cfg.Backend.GateURL})
	if err != nil {
		return fmt.Errorf("failed to build execution gate client: %w", err)
	}

	comp, err := composer.New(composer.Options{
		Reasoner:    reasoner,
		Registry:    registry,
		Calibration: calib,
		Policy:      pol,
		Audit:       auditLog,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build plan composer: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:        queue,
		Validator:    validator,
		Registry:     registry,
		Bridge:       bridge,
		Calibration:  calib,
		Composer:     comp,
		Reasoner:     reasoner,
		Gate:         gate,
		Executor:     executor,
		Audit:        auditLog,
		Policy:       pol,
		PlanMode:     cfg.Orchestrator.PlanMode,
		LoopInterval: cfg.Orchestrator.LoopInterval,
		HistoryPath:  cfg.Audit.HistoryPath,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	gw, err := gateway.NewServer(gateway.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Gateway:        cfg.Gateway,
		Validator:      validator,
		Queue:          queue,
		Registry:       registry,
		Bridge:         bridge,
		Loop:           orch,
		Audit:          auditLog,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	operator, err := gateway.NewOperatorServer(gateway.OperatorOptions{
		Addr:    cfg.Operator.Addr,
		APIKeys: cfg.Gateway.APIKeys,
		Loop:    orch,
		Audit:   auditLog,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build operator listener: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := operator.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("operator listener: %w", err)
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("control loop: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", zap.Error(err))
	}
	if err := operator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("operator listener shutdown error", zap.Error(err))
	}
	return ctx.Err()
}
