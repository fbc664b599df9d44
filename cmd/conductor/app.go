package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/orchestrator"
	"github.com/kandev/conductor/internal/persistence"
	"github.com/kandev/conductor/internal/session/repository"
)

const shutdownTimeout = 15 * time.Second

// app holds the engine and everything it was built on for one command invocation.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	svc     *orchestrator.Service
	output  string
	started bool

	cleanups []func() error
	closed   bool
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	level := cfg.Logging.Level
	if flags.verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	a := &app{cfg: cfg, log: log, output: flags.output}
	a.cleanups = append(a.cleanups, func() error {
		_ = log.Sync()
		return nil
	})

	// 3. Tracing
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("failed to initialize tracing", zap.Error(err))
	} else if tracing.Enabled() {
		a.cleanups = append(a.cleanups, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.Shutdown(shutdownCtx)
		})
	}

	// 4. Persistence
	pool, closePool, err := persistence.Provide(ctx, cfg.Database, log)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.cleanups = append(a.cleanups, closePool)
	repo, err := repository.Provide(pool)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	// 5. Event bus
	eventBus, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.cleanups = append(a.cleanups, closeBus)

	// 6. Orchestrator
	svc, err := orchestrator.NewService(cfg, repo, eventBus, log)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	a.svc = svc
	return a, nil
}

// start brings up the permission channel and reconciles sessions. Only commands
// that run agents or mutate sessions need it.
func (a *app) start(ctx context.Context) error {
	if a.started {
		return nil
	}
	if err := a.svc.Start(ctx); err != nil {
		return err
	}
	a.started = true
	// runs first on close: agents stop before the bus and database go away
	a.cleanups = append(a.cleanups, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.svc.Stop(ctx)
	})
	return nil
}

// close runs cleanups in reverse order of registration.
func (a *app) close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
