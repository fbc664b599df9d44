// Package orchestrator composes the task queue with the session, working-tree,
// process and permission components. It is the single entry point for callers:
//
//   - session mutations run on the task queue keyed by session id
//   - working-tree creation and removal run under a project-scoped key
//   - each create runs under its own synthetic key so creates never wait on each other
//   - reads go straight to the repository
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/permission"
	"github.com/kandev/conductor/internal/project"
	"github.com/kandev/conductor/internal/scripts"
	"github.com/kandev/conductor/internal/session"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/session/repository"
	"github.com/kandev/conductor/internal/taskqueue"
	"github.com/kandev/conductor/internal/tracker"
	"github.com/kandev/conductor/internal/worktree"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

const (
	projectKeyPrefix = "project:"
	createKeyPrefix  = "create:"

	defaultScriptTimeout = 10 * time.Minute
)

// Service is the orchestration engine.
type Service struct {
	cfg      *config.Config
	logger   *logger.Logger
	repo     repository.Repository
	eventBus bus.EventBus

	queue      *taskqueue.Queue
	worktrees  *worktree.Manager
	permission *permission.Server
	supervisor *process.Supervisor
	tracker    *tracker.Tracker
	sessions   *session.Manager
	projects   *project.Service

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

var _ session.Scheduler = (*Service)(nil)

// NewService wires the engine over repo and eventBus. eventBus may be nil.
func NewService(cfg *config.Config, repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	log = log.WithFields(zap.String("component", "orchestrator"))

	worktrees, err := worktree.NewManager(worktree.Config{
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, nil, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    log,
		repo:      repo,
		eventBus:  eventBus,
		queue:     taskqueue.New(cfg.Queue, log),
		worktrees: worktrees,
	}

	// the policy resolves through the session manager, which exists once wiring completes
	s.permission = permission.NewServer(cfg.Permission,
		permission.PolicyFunc(func(ctx context.Context, sessionID string) (models.PermissionMode, error) {
			return s.sessions.PermissionMode(ctx, sessionID)
		}), eventBus, log)
	s.supervisor = process.NewSupervisor(cfg.Agent, s.permission, nil, log)
	s.tracker = tracker.New(worktrees, repo, eventBus, log)

	s.sessions = session.NewManager(session.Dependencies{
		Repository: repo,
		Worktrees:  worktrees,
		Supervisor: s.supervisor,
		Tracker:    s.tracker,
		Scripts:    scripts.NewRunner(log, defaultScriptTimeout),
		EventBus:   eventBus,
		Scheduler:  s,
	}, cfg.Agent, log)
	s.supervisor.SetHandler(s.sessions)

	s.projects = project.NewService(repo, worktrees, eventBus, log, models.PermissionMode(cfg.Agent.DefaultPermissionMode))
	return s, nil
}

// Start opens the permission channel and reconciles sessions left live by a
// previous run. A permission channel that cannot be opened does not fail Start:
// agents then run in degraded auto-deny mode.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting orchestrator service")

	if err := s.permission.Start(); err != nil {
		s.logger.Warn("permission channel unavailable, agents will run with auto-deny", zap.Error(err))
	}
	if err := s.sessions.RecoverInterrupted(ctx); err != nil {
		s.logger.Warn("failed to reconcile sessions on startup", zap.Error(err))
	}

	s.logger.Info("orchestrator service started",
		zap.String("permission_socket", s.permission.SocketPath()),
		zap.Bool("permission_available", s.permission.Available()))
	return nil
}

// Stop drains the task queue, then stops every agent and closes the permission channel.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping orchestrator service")

	if err := s.queue.Close(ctx); err != nil {
		s.logger.Warn("task queue did not drain", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.supervisor.KillAll(gctx, s.cfg.Agent.KillGrace())
		return nil
	})
	g.Go(func() error {
		return s.permission.Close()
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to stop orchestrator cleanly", zap.Error(err))
		return err
	}

	s.logger.Info("orchestrator service stopped", zap.Duration("uptime", time.Since(s.startedAt)))
	return nil
}

// InProject runs op under the project-scoped key and waits for it.
func (s *Service) InProject(ctx context.Context, projectID string, op func(ctx context.Context) error) error {
	_, err := s.queue.Do(ctx, projectKeyPrefix+projectID, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	return unwrapQueueError(err)
}

// InSession enqueues op under the session key without waiting for it.
func (s *Service) InSession(sessionID string, op func(ctx context.Context) error) {
	r := s.queue.Submit(context.Background(), sessionID, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	go func() {
		if _, err := r.Wait(context.Background()); err != nil {
			s.logger.WithSessionID(sessionID).Warn("session operation failed", zap.Error(err))
		}
	}()
}

// unwrapQueueError strips the queue wrapper from failures of nested operations so the
// enclosing operation reports the cause once.
func unwrapQueueError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeQueueOperationFailed && appErr.Err != nil {
		return appErr.Err
	}
	return err
}

func newCreateKey() string {
	return createKeyPrefix + ulid.Make().String()
}

// Sessions exposes the session manager for read paths and tests.
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Supervisor exposes the process supervisor.
func (s *Service) Supervisor() *process.Supervisor {
	return s.supervisor
}

// PermissionSocket returns the permission channel's socket path and whether it is listening.
func (s *Service) PermissionSocket() (string, bool) {
	return s.permission.SocketPath(), s.permission.Available()
}

// QueueStats reports task queue activity.
func (s *Service) QueueStats() taskqueue.Stats {
	return s.queue.Stats()
}
