// Package tracker turns completed agent turns into execution records.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/worktree"
)

const tracerName = "conductor-tracker"

// GitOps is the subset of the worktree manager the tracker needs.
type GitOps interface {
	Diff(ctx context.Context, dir, base string) (*worktree.DiffResult, error)
	CommitAll(ctx context.Context, dir, message string) (string, error)
	BranchBase(ctx context.Context, dir, mainBranch string) (string, error)
}

// Store persists executions.
type Store interface {
	GetLastExecution(ctx context.Context, sessionID string) (*models.Execution, error)
	CreateExecution(ctx context.Context, execution *models.Execution) error
	ListExecutions(ctx context.Context, sessionID string) ([]*models.Execution, error)
}

// Tracker is the only writer of executions. Sequence numbers are assigned under a
// per-session lock so they start at 1 and have no gaps.
type Tracker struct {
	git      GitOps
	store    Store
	eventBus bus.EventBus
	logger   *logger.Logger

	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// New creates a tracker. eventBus may be nil.
func New(git GitOps, store Store, eventBus bus.EventBus, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		git:      git,
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "execution-tracker")),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) sessionLock(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[sessionID] = lock
	}
	return lock
}

// Forget drops the per-session lock of an archived session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.locks, sessionID)
	t.mu.Unlock()
}

// OnTurnComplete records the changes the agent made during its last turn. The diff
// base is the previous execution's commit, else the session's base commit, else the
// merge base of the session branch with mainBranch. With autoCommit the changes are
// committed and the commit hash is recorded.
func (t *Tracker) OnTurnComplete(ctx context.Context, session *models.Session, mainBranch string) (*models.Execution, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "tracker.turn_complete", "session_id", session.ID)
	execution, err := t.record(ctx, session, mainBranch)
	tracing.EndSpan(span, err)
	return execution, err
}

func (t *Tracker) record(ctx context.Context, session *models.Session, mainBranch string) (*models.Execution, error) {
	lock := t.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	log := t.logger.WithSessionID(session.ID)

	last, err := t.store.GetLastExecution(ctx, session.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "load last execution")
	}

	base, err := t.diffBase(ctx, session, last, mainBranch)
	if err != nil {
		return nil, err
	}

	sequence := 1
	if last != nil {
		sequence = last.Sequence + 1
	}

	diff, err := t.git.Diff(ctx, session.WorktreePath, base)
	if err != nil {
		return nil, err
	}

	execution := &models.Execution{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		Sequence:     sequence,
		BaseCommit:   base,
		DiffSummary:  diff.Summary,
		Diff:         diff.Patch,
		FilesChanged: diff.FilesChanged,
		Additions:    diff.Additions,
		Deletions:    diff.Deletions,
		Timestamp:    time.Now().UTC(),
	}
	if execution.DiffSummary == "" {
		execution.DiffSummary = "no changes"
	}

	if session.AutoCommit && !diff.Empty() {
		hash, err := t.git.CommitAll(ctx, session.WorktreePath, commitMessage(session, sequence))
		if err != nil {
			return nil, err
		}
		if hash != "" {
			execution.CommitHash = &hash
		}
	}

	if err := t.store.CreateExecution(ctx, execution); err != nil {
		return nil, apperrors.Wrap(err, "record execution")
	}

	log.Info("execution recorded",
		zap.Int("sequence", execution.Sequence),
		zap.Int("files_changed", execution.FilesChanged),
		zap.Bool("committed", execution.CommitHash != nil))
	t.publish(ctx, execution)
	return execution, nil
}

// diffBase chains turns: a turn that committed is the base of the next one, and a
// turn without a commit hands its own base on, so changes are never counted twice.
func (t *Tracker) diffBase(ctx context.Context, session *models.Session, last *models.Execution, mainBranch string) (string, error) {
	if last != nil {
		if last.CommitHash != nil && *last.CommitHash != "" {
			return *last.CommitHash, nil
		}
		if last.BaseCommit != "" {
			return last.BaseCommit, nil
		}
	}
	if session.BaseCommit != "" {
		return session.BaseCommit, nil
	}
	return t.git.BranchBase(ctx, session.WorktreePath, mainBranch)
}

// History returns a session's executions in sequence order.
func (t *Tracker) History(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	return t.store.ListExecutions(ctx, sessionID)
}

func commitMessage(session *models.Session, sequence int) string {
	name := session.Name
	if name == "" {
		name = session.ID
	}
	return fmt.Sprintf("conductor: %s (turn %d)", name, sequence)
}

func (t *Tracker) publish(ctx context.Context, execution *models.Execution) {
	if t.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id":    execution.SessionID,
		"execution_id":  execution.ID,
		"sequence":      execution.Sequence,
		"files_changed": execution.FilesChanged,
		"summary":       execution.DiffSummary,
	}
	if execution.CommitHash != nil {
		data["commit_hash"] = *execution.CommitHash
	}
	event := bus.NewEvent(events.ExecutionRecorded, "execution-tracker", data)
	if err := t.eventBus.Publish(ctx, events.SessionSubject(events.ExecutionRecorded, execution.SessionID), event); err != nil {
		t.logger.Debug("failed to publish execution event", zap.Error(err))
	}
}
