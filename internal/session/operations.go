package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/worktree"
)

// ArchiveOptions controls what archiving removes besides the agent.
type ArchiveOptions struct {
	// RemoveWorktree deletes the session's working tree. The zero value keeps it.
	RemoveWorktree bool
	// DeleteBranch also deletes the session branch when the worktree is removed.
	DeleteBranch bool
}

// ContinueConversation sends a follow-up message. A session without a live agent
// (completed, crashed, or interrupted by a restart) is resumed with a new one.
func (m *Manager) ContinueConversation(ctx context.Context, id, message string) (*models.Session, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.ValidationError("message", "is required")
	}
	session, err := m.getLiveSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.appendMessage(ctx, id, models.MessageRoleUser, message); err != nil {
		return nil, err
	}

	if m.supervisor.IsRunning(id) {
		running, err := m.transition(ctx, id, models.SessionStatusRunning, "", nil)
		if err != nil {
			return nil, err
		}
		if !m.offerInput(id, message) {
			m.logger.WithContext(ctx).WithSessionID(id).Debug("agent is mid-turn, input held for the next turn")
			return running, nil
		}
		if err := m.supervisor.Send(id, message); err != nil {
			m.resetTurns(id)
			return nil, err
		}
		return running, nil
	}

	project, err := m.repo.GetProject(ctx, session.ProjectID)
	if err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).WithSessionID(id).Info("resuming session with a new agent process",
		zap.String("previous_status", string(session.Status)))
	running, err := m.transition(ctx, id, models.SessionStatusRunning, "", nil)
	if err != nil {
		return nil, err
	}
	m.resetTurns(id)
	m.beginTurn(id)
	info, err := m.supervisor.Spawn(ctx, process.SpawnRequest{
		SessionID:      id,
		WorkDir:        session.WorktreePath,
		Prompt:         message,
		PermissionMode: session.PermissionMode,
		SystemPrompt:   project.SystemPrompt,
	})
	if err != nil {
		m.resetTurns(id)
		if _, terr := m.transition(context.WithoutCancel(ctx), id, models.SessionStatusError, err.Error(), nil); terr != nil {
			m.logger.WithSessionID(id).Warn("failed to persist error status", zap.Error(terr))
		}
		return nil, err
	}
	if info.Degraded {
		running, err = m.transition(ctx, id, models.SessionStatusRunning, DegradedPermissionMessage, nil)
		if err != nil {
			return nil, err
		}
	}
	return running, nil
}

// ArchiveSession stops the agent and archives the session. Archiving an archived
// session succeeds and changes nothing.
func (m *Manager) ArchiveSession(ctx context.Context, id string, opts ArchiveOptions) (*models.Session, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsArchived() {
		return session, nil
	}

	log := m.logger.WithContext(ctx).WithSessionID(id)
	if err := m.supervisor.Kill(ctx, id, m.killGrace()); err != nil {
		log.Warn("failed to stop agent before archiving", zap.Error(err))
	}
	m.resetTurns(id)

	archived, err := m.transition(ctx, id, models.SessionStatusArchived, "", nil)
	if err != nil {
		return nil, err
	}

	if opts.RemoveWorktree && !archived.IsMainRepo && archived.WorktreePath != "" {
		if err := m.removeWorktree(ctx, archived, opts.DeleteBranch); err != nil {
			log.Warn("failed to remove worktree of archived session", zap.Error(err))
			return archived, err
		}
	}

	if m.tracker != nil {
		m.tracker.Forget(id)
	}
	m.mu.Lock()
	delete(m.lastError, id)
	m.mu.Unlock()

	log.Info("session archived", zap.Bool("worktree_removed", opts.RemoveWorktree))
	m.publish(ctx, events.SessionArchived, id, map[string]interface{}{
		"session_id":       id,
		"worktree_removed": opts.RemoveWorktree,
	})
	return archived, nil
}

func (m *Manager) removeWorktree(ctx context.Context, session *models.Session, deleteBranch bool) error {
	project, err := m.repo.GetProject(ctx, session.ProjectID)
	if err != nil {
		return err
	}
	return m.scheduler.InProject(ctx, project.ID, func(ctx context.Context) error {
		return m.worktrees.Remove(ctx, worktree.RemoveRequest{
			RepositoryPath: project.Path,
			Path:           session.WorktreePath,
			Branch:         session.BranchName,
			DeleteBranch:   deleteBranch,
		})
	})
}

// StopSession kills the agent without archiving; the session becomes completed
// and can be resumed with ContinueConversation.
func (m *Manager) StopSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := m.getLiveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.supervisor.Kill(ctx, id, m.killGrace()); err != nil {
		return nil, err
	}
	if dropped := m.resetTurns(id); dropped > 0 {
		m.recordSystemOutput(ctx, id, fmt.Sprintf("%d queued message(s) were not delivered", dropped))
	}
	if !session.Status.IsLive() {
		return session, nil
	}
	return m.transition(ctx, id, models.SessionStatusCompleted, "stopped", nil)
}

// RebaseSession rebases the session branch onto the project's main branch.
func (m *Manager) RebaseSession(ctx context.Context, id string) error {
	session, project, err := m.branchSession(ctx, id)
	if err != nil {
		return err
	}
	err = m.scheduler.InProject(ctx, project.ID, func(ctx context.Context) error {
		return m.worktrees.Rebase(ctx, project.Path, session.WorktreePath, project.MainBranch)
	})
	m.recordGitResult(ctx, id, "rebase", project.MainBranch, err)
	return err
}

// SquashSession squashes the session's commits into one and rebases it onto main.
func (m *Manager) SquashSession(ctx context.Context, id, message string) error {
	session, project, err := m.branchSession(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		message = session.Name
	}
	err = m.scheduler.InProject(ctx, project.ID, func(ctx context.Context) error {
		return m.worktrees.Squash(ctx, project.Path, session.WorktreePath, project.MainBranch, message)
	})
	m.recordGitResult(ctx, id, "squash", project.MainBranch, err)
	return err
}

func (m *Manager) branchSession(ctx context.Context, id string) (*models.Session, *models.Project, error) {
	session, err := m.getLiveSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if session.IsMainRepo {
		return nil, nil, apperrors.ValidationError("session", "main repository sessions have no branch of their own")
	}
	if m.supervisor.IsRunning(id) && session.Status == models.SessionStatusRunning {
		return nil, nil, apperrors.ValidationError("session", "agent is working; wait for the turn to complete")
	}
	project, err := m.repo.GetProject(ctx, session.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return session, project, nil
}

func (m *Manager) recordGitResult(ctx context.Context, id, op, onto string, err error) {
	if err == nil {
		m.recordSystemOutput(ctx, id, fmt.Sprintf("%s onto %s succeeded", op, onto))
		return
	}
	msg := fmt.Sprintf("%s onto %s failed: %v", op, onto, err)
	if files := apperrors.ConflictFiles(err); len(files) > 0 {
		msg = fmt.Sprintf("%s onto %s aborted, conflicts in: %s", op, onto, strings.Join(files, ", "))
	}
	m.recordSystemOutput(ctx, id, msg)
}

// RecoverInterrupted reconciles sessions left live by a previous run. Sessions
// interrupted during creation become error; the others become completed and can be resumed.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	sessions, err := m.repo.ListSessions(ctx, "")
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if m.supervisor.IsRunning(s.ID) {
			continue
		}
		var to models.SessionStatus
		var msg string
		switch {
		case s.Status == models.SessionStatusInitializing:
			to, msg = models.SessionStatusError, "interrupted during creation"
		case s.Status.IsLive():
			to, msg = models.SessionStatusCompleted, "agent stopped when conductor exited"
		default:
			continue
		}
		if _, err := m.transition(ctx, s.ID, to, msg, nil); err != nil {
			m.logger.WithSessionID(s.ID).Warn("failed to recover session", zap.Error(err))
			continue
		}
		m.logger.WithSessionID(s.ID).Info("recovered interrupted session", zap.String("status", string(to)))
	}
	return nil
}

// GetSession returns a session.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.repo.GetSession(ctx, id)
}

// ListSessions lists the sessions of a project, or of every project when projectID is empty.
func (m *Manager) ListSessions(ctx context.Context, projectID string) ([]*models.Session, error) {
	return m.repo.ListSessions(ctx, projectID)
}

// GetSessionOutput returns the raw output records of a session in order.
func (m *Manager) GetSessionOutput(ctx context.Context, id string) ([]*models.SessionOutput, error) {
	if _, err := m.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListOutputs(ctx, id)
}

// GetConversationMessages returns the conversation of a session in order.
func (m *Manager) GetConversationMessages(ctx context.Context, id string) ([]*models.ConversationMessage, error) {
	if _, err := m.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListMessages(ctx, id)
}

// ListExecutions returns the recorded turns of a session.
func (m *Manager) ListExecutions(ctx context.Context, id string) ([]*models.Execution, error) {
	if _, err := m.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListExecutions(ctx, id)
}

// PermissionMode resolves the permission mode of a session for the permission
// channel. Archived sessions are always denied.
func (m *Manager) PermissionMode(ctx context.Context, id string) (models.PermissionMode, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if session.IsArchived() {
		return models.PermissionModeAutoDeny, nil
	}
	return session.PermissionMode, nil
}
