package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/scripts"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/worktree"
)

// DegradedPermissionMessage is recorded on sessions whose agent runs without a permission channel.
const DegradedPermissionMessage = "permission channel unavailable: agent runs with auto-deny"

// CreateRequest describes a new session.
type CreateRequest struct {
	Name           string
	Prompt         string
	ProjectID      string
	WorktreeName   string
	PermissionMode models.PermissionMode
	IsMainRepo     bool
	AutoCommit     bool
	FolderID       *string
}

// Validate checks required fields.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return apperrors.ValidationError("prompt", "is required")
	}
	if r.ProjectID == "" {
		return apperrors.ValidationError("projectId", "is required")
	}
	if r.PermissionMode != "" && !r.PermissionMode.Valid() {
		return apperrors.ValidationError("permissionMode", fmt.Sprintf("unknown mode %q", r.PermissionMode))
	}
	return nil
}

// CreateResult is a created session plus any non-fatal problems met on the way.
type CreateResult struct {
	Session  *models.Session
	Warnings []error
}

// CreateSession creates the working tree, persists the session, records the prompt
// and starts the agent. If any step fails the working tree is removed again and the
// session is persisted with status error before the error is returned.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	project, err := m.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	mode := req.PermissionMode
	if mode == "" {
		mode = project.DefaultPermissionMode
	}
	if !mode.Valid() {
		mode = models.PermissionMode(m.cfg.DefaultPermissionMode)
	}
	if !mode.Valid() {
		mode = models.PermissionModeAutoDeny
	}

	now := m.now()
	session := &models.Session{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(req.Name),
		ProjectID:      project.ID,
		Prompt:         req.Prompt,
		PermissionMode: mode,
		Status:         models.SessionStatusInitializing,
		IsMainRepo:     req.IsMainRepo,
		AutoCommit:     req.AutoCommit,
		FolderID:       req.FolderID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if session.Name == "" {
		session.Name = deriveName(req.Prompt)
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	log := m.logger.WithContext(ctx).WithSessionID(session.ID).WithProjectID(project.ID)
	log.Info("creating session", zap.String("name", session.Name), zap.Bool("main_repo", req.IsMainRepo))
	m.publish(ctx, events.SessionCreated, session.ID, map[string]interface{}{
		"session_id": session.ID,
		"project_id": project.ID,
		"name":       session.Name,
	})

	result, err := m.startSession(ctx, session, project, req)
	if err != nil {
		m.failCreate(ctx, session, project, err)
		return nil, err
	}
	return result, nil
}

func (m *Manager) startSession(ctx context.Context, session *models.Session, project *models.Project, req CreateRequest) (*CreateResult, error) {
	var wt *worktree.Worktree
	if req.IsMainRepo {
		head, err := m.worktrees.HeadCommit(ctx, project.Path)
		if err != nil {
			return nil, err
		}
		session.WorktreePath = project.Path
		session.BranchName = project.MainBranch
		session.BaseCommit = head
	} else {
		desired := req.WorktreeName
		if desired == "" {
			desired = session.Name
		}
		err := m.scheduler.InProject(ctx, project.ID, func(ctx context.Context) error {
			var err error
			wt, err = m.worktrees.Create(ctx, worktree.CreateRequest{Project: projectRef(project), DesiredName: desired})
			return err
		})
		if err != nil {
			return nil, err
		}
		session.WorktreePath = wt.Path
		session.BranchName = wt.Branch
		session.BaseCommit = wt.BaseCommit
	}

	if err := m.repo.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	if err := m.appendMessage(ctx, session.ID, models.MessageRoleUser, req.Prompt); err != nil {
		return nil, err
	}

	m.runBuildScript(ctx, session, project)

	info, err := m.supervisor.Spawn(ctx, process.SpawnRequest{
		SessionID:      session.ID,
		WorkDir:        session.WorktreePath,
		PermissionMode: session.PermissionMode,
		SystemPrompt:   project.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	result := &CreateResult{}
	statusMessage := ""
	if info.Degraded {
		statusMessage = DegradedPermissionMessage
		result.Warnings = append(result.Warnings, apperrors.PermissionChannelUnavailable(errors.New(DegradedPermissionMessage)))
		m.recordSystemOutput(ctx, session.ID, DegradedPermissionMessage)
	}

	// an early crash handled in the meantime has already moved the session to error
	ready, err := m.transition(ctx, session.ID, models.SessionStatusReady, statusMessage,
		onlyFrom(models.SessionStatusInitializing))
	if err != nil {
		return nil, err
	}
	if ready.Status != models.SessionStatusReady {
		result.Session = ready
		return result, nil
	}

	// the prompt goes out only after ready so no agent event can precede running
	running, err := m.transition(ctx, session.ID, models.SessionStatusRunning, "", onlyFrom(models.SessionStatusReady))
	if err != nil {
		return nil, err
	}
	m.beginTurn(session.ID)
	if err := m.supervisor.Send(session.ID, req.Prompt); err != nil {
		m.resetTurns(session.ID)
		return nil, err
	}
	result.Session = running
	return result, nil
}

// failCreate rolls back a partially created session: kills the agent, removes the
// working tree and persists the session as error.
func (m *Manager) failCreate(ctx context.Context, session *models.Session, project *models.Project, cause error) {
	log := m.logger.WithSessionID(session.ID)
	log.Error("session creation failed", zap.Error(cause))

	// rollback must run even if the caller's context is done
	cleanupCtx := context.WithoutCancel(ctx)

	if err := m.supervisor.Kill(cleanupCtx, session.ID, m.killGrace()); err != nil {
		log.Warn("rollback: failed to kill agent", zap.Error(err))
	}
	m.resetTurns(session.ID)

	if !session.IsMainRepo && session.WorktreePath != "" {
		err := m.scheduler.InProject(cleanupCtx, project.ID, func(ctx context.Context) error {
			return m.worktrees.Remove(ctx, worktree.RemoveRequest{
				RepositoryPath: project.Path,
				Path:           session.WorktreePath,
				Branch:         session.BranchName,
				DeleteBranch:   true,
			})
		})
		if err != nil {
			log.Warn("rollback: failed to remove worktree", zap.Error(err))
		}
	}

	if _, err := m.transition(cleanupCtx, session.ID, models.SessionStatusError, cause.Error(), nil); err != nil {
		log.Warn("rollback: failed to persist error status", zap.Error(err))
	}
}

func (m *Manager) runBuildScript(ctx context.Context, session *models.Session, project *models.Project) {
	if m.scripts == nil || strings.TrimSpace(project.BuildScript) == "" {
		return
	}
	log := m.logger.WithSessionID(session.ID)
	res, err := m.scripts.Run(ctx, scripts.Request{
		Dir:    session.WorktreePath,
		Script: project.BuildScript,
		Vars:   scriptVars(session, project),
	})
	switch {
	case err != nil:
		log.Warn("build script failed to run", zap.Error(err))
		m.recordSystemOutput(ctx, session.ID, "build script failed: "+err.Error())
	case !res.Succeeded():
		log.Warn("build script exited nonzero", zap.Int("exit_code", res.ExitCode))
		m.recordSystemOutput(ctx, session.ID, res.Output)
		m.recordSystemOutput(ctx, session.ID, fmt.Sprintf("build script exited with code %d", res.ExitCode))
	default:
		m.recordSystemOutput(ctx, session.ID, res.Output)
	}
}

func scriptVars(session *models.Session, project *models.Project) map[string]string {
	return map[string]string{
		scripts.PlaceholderProjectPath:  project.Path,
		scripts.PlaceholderProjectName:  project.Name,
		scripts.PlaceholderWorktreePath: session.WorktreePath,
		scripts.PlaceholderBranch:       session.BranchName,
		scripts.PlaceholderSessionID:    session.ID,
		scripts.PlaceholderSessionName:  session.Name,
	}
}

const maxDerivedNameRunes = 60

// deriveName builds a session name from the first words of the prompt.
func deriveName(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	name := strings.Join(words, " ")
	if r := []rune(name); len(r) > maxDerivedNameRunes {
		name = strings.TrimSpace(string(r[:maxDerivedNameRunes]))
	}
	if name == "" {
		return "session"
	}
	return name
}
