// Package session implements the session lifecycle: creation, conversation,
// archival and the handling of agent events.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/scripts"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/session/repository"
	"github.com/kandev/conductor/internal/worktree"
)

// WorktreeService creates and manipulates session working trees.
type WorktreeService interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	Remove(ctx context.Context, req worktree.RemoveRequest) error
	Rebase(ctx context.Context, repoPath, worktreePath, mainBranch string) error
	Squash(ctx context.Context, repoPath, worktreePath, mainBranch, message string) error
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// ProcessSupervisor runs agent processes.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, req process.SpawnRequest) (*process.Info, error)
	Send(sessionID, text string) error
	Kill(ctx context.Context, sessionID string, grace time.Duration) error
	IsRunning(sessionID string) bool
}

// TurnTracker records executions when an agent turn completes.
type TurnTracker interface {
	OnTurnComplete(ctx context.Context, session *models.Session, mainBranch string) (*models.Execution, error)
	Forget(sessionID string)
}

// ScriptRunner runs project build scripts.
type ScriptRunner interface {
	Run(ctx context.Context, req scripts.Request) (*scripts.Result, error)
}

// Scheduler serializes work that must not interleave with other operations.
type Scheduler interface {
	// InProject runs op under the project's key and waits for it.
	InProject(ctx context.Context, projectID string, op func(ctx context.Context) error) error
	// InSession queues op under the session's key without waiting.
	InSession(sessionID string, op func(ctx context.Context) error)
}

// inlineScheduler runs everything on the calling goroutine.
type inlineScheduler struct{}

func (inlineScheduler) InProject(ctx context.Context, _ string, op func(ctx context.Context) error) error {
	return op(ctx)
}

func (inlineScheduler) InSession(_ string, op func(ctx context.Context) error) {
	_ = op(context.Background())
}

// Dependencies are the collaborators of a Manager. Scripts, EventBus and Scheduler are optional.
type Dependencies struct {
	Repository repository.Repository
	Worktrees  WorktreeService
	Supervisor ProcessSupervisor
	Tracker    TurnTracker
	Scripts    ScriptRunner
	EventBus   bus.EventBus
	Scheduler  Scheduler
}

// Manager owns session state. It is the process.Handler of the supervisor and the
// permission policy source.
type Manager struct {
	repo       repository.Repository
	worktrees  WorktreeService
	supervisor ProcessSupervisor
	tracker    TurnTracker
	scripts    ScriptRunner
	eventBus   bus.EventBus
	scheduler  Scheduler
	cfg        config.AgentConfig
	logger     *logger.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	lastError map[string]string
	turns     map[string]*turnState
	now       func() time.Time
}

// NewManager creates a session manager.
func NewManager(deps Dependencies, cfg config.AgentConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = inlineScheduler{}
	}
	return &Manager{
		repo:       deps.Repository,
		worktrees:  deps.Worktrees,
		supervisor: deps.Supervisor,
		tracker:    deps.Tracker,
		scripts:    deps.Scripts,
		eventBus:   deps.EventBus,
		scheduler:  scheduler,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "session-manager")),
		locks:      make(map[string]*sync.Mutex),
		lastError:  make(map[string]string),
		turns:      make(map[string]*turnState),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler replaces the scheduler. It must be called before any operation runs.
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manager) rememberError(id, msg string) {
	m.mu.Lock()
	m.lastError[id] = msg
	m.mu.Unlock()
}

func (m *Manager) takeLastError(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.lastError[id]
	delete(m.lastError, id)
	return msg
}

func (m *Manager) killGrace() time.Duration {
	if g := m.cfg.KillGrace(); g > 0 {
		return g
	}
	return constants.DefaultKillGrace
}

// errUnchanged, returned by a transition guard, leaves the session as it is.
var errUnchanged = errors.New("session unchanged")

// onlyFrom is a transition guard that skips the change unless the session is in one of states.
func onlyFrom(states ...models.SessionStatus) func(*models.Session) error {
	return func(s *models.Session) error {
		for _, st := range states {
			if s.Status == st {
				return nil
			}
		}
		return errUnchanged
	}
}

// transition applies a status change under the session lock and persists it.
// guard, when set, runs on the loaded session first; errUnchanged from it skips the
// change and returns the session as stored.
func (m *Manager) transition(ctx context.Context, id string, to models.SessionStatus, statusMessage string, guard func(*models.Session) error) (*models.Session, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsArchived() && to != models.SessionStatusArchived {
		return nil, apperrors.SessionArchived(id)
	}
	if guard != nil {
		if err := guard(session); err != nil {
			if errors.Is(err, errUnchanged) {
				return session, nil
			}
			return nil, err
		}
	}
	from := session.Status
	if err := session.Transition(to, m.now()); err != nil {
		return nil, apperrors.Wrap(err, "change session status")
	}
	if statusMessage != "" {
		session.StatusMessage = statusMessage
	}
	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	if from != to {
		m.logger.WithSessionID(id).Info("session status changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		m.publish(ctx, events.SessionStatusChanged, id, map[string]interface{}{
			"session_id":     id,
			"old_status":     string(from),
			"new_status":     string(to),
			"status_message": session.StatusMessage,
		})
	}
	return session, nil
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-manager", data)
	if err := m.eventBus.Publish(ctx, events.SessionSubject(eventType, sessionID), event); err != nil {
		m.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func projectRef(p *models.Project) worktree.ProjectRef {
	return worktree.ProjectRef{
		ID:             p.ID,
		Name:           p.Name,
		Path:           p.Path,
		MainBranch:     p.MainBranch,
		WorktreeFolder: p.WorktreeFolder,
	}
}

func (m *Manager) getLiveSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsArchived() {
		return nil, apperrors.SessionArchived(id)
	}
	return session, nil
}
