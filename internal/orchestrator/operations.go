package orchestrator

import (
	"context"

	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/project"
	"github.com/kandev/conductor/internal/session"
	"github.com/kandev/conductor/internal/session/models"
)

// runSession runs op on the queue under key and returns its typed result.
func runSession[T any](ctx context.Context, s *Service, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := s.queue.Do(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

// CreateSession creates a session and starts its agent.
func (s *Service) CreateSession(ctx context.Context, req session.CreateRequest) (*session.CreateResult, error) {
	return runSession(ctx, s, newCreateKey(), func(ctx context.Context) (*session.CreateResult, error) {
		return s.sessions.CreateSession(ctx, req)
	})
}

// ContinueConversation sends a follow-up message to a session.
func (s *Service) ContinueConversation(ctx context.Context, sessionID, message string) (*models.Session, error) {
	return runSession(ctx, s, sessionID, func(ctx context.Context) (*models.Session, error) {
		return s.sessions.ContinueConversation(ctx, sessionID, message)
	})
}

// ArchiveSession archives a session. Archiving twice succeeds.
func (s *Service) ArchiveSession(ctx context.Context, sessionID string, opts session.ArchiveOptions) (*models.Session, error) {
	return runSession(ctx, s, sessionID, func(ctx context.Context) (*models.Session, error) {
		return s.sessions.ArchiveSession(ctx, sessionID, opts)
	})
}

// StopSession stops a session's agent; the session can be resumed later.
func (s *Service) StopSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return runSession(ctx, s, sessionID, func(ctx context.Context) (*models.Session, error) {
		return s.sessions.StopSession(ctx, sessionID)
	})
}

// RebaseSession rebases a session branch onto its project's main branch.
func (s *Service) RebaseSession(ctx context.Context, sessionID string) error {
	_, err := runSession(ctx, s, sessionID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.sessions.RebaseSession(ctx, sessionID)
	})
	return err
}

// SquashSession squashes a session branch into one commit on top of main.
func (s *Service) SquashSession(ctx context.Context, sessionID, message string) error {
	_, err := runSession(ctx, s, sessionID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.sessions.SquashSession(ctx, sessionID, message)
	})
	return err
}

// GetSession returns a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// ListSessions lists the sessions of a project, or all sessions when projectID is empty.
func (s *Service) ListSessions(ctx context.Context, projectID string) ([]*models.Session, error) {
	return s.sessions.ListSessions(ctx, projectID)
}

// GetSessionOutput returns a session's raw output records.
func (s *Service) GetSessionOutput(ctx context.Context, sessionID string) ([]*models.SessionOutput, error) {
	return s.sessions.GetSessionOutput(ctx, sessionID)
}

// GetConversationMessages returns a session's conversation.
func (s *Service) GetConversationMessages(ctx context.Context, sessionID string) ([]*models.ConversationMessage, error) {
	return s.sessions.GetConversationMessages(ctx, sessionID)
}

// ListExecutions returns a session's recorded turns.
func (s *Service) ListExecutions(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	return s.sessions.ListExecutions(ctx, sessionID)
}

// SubscribeSession delivers every event published for one session to handler.
func (s *Service) SubscribeSession(sessionID string, handler bus.EventHandler) (bus.Subscription, error) {
	if s.eventBus == nil {
		return nil, ErrServiceNotRunning
	}
	return s.eventBus.Subscribe(events.AllSessionEvents(sessionID), handler)
}

// CreateProject registers a project.
func (s *Service) CreateProject(ctx context.Context, req project.CreateProjectRequest) (*models.Project, error) {
	return s.projects.CreateProject(ctx, req)
}

// GetProject returns a project.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.projects.GetProject(ctx, id)
}

// ListProjects returns every project.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.projects.ListProjects(ctx)
}

// UpdateProject changes a project's settings.
func (s *Service) UpdateProject(ctx context.Context, id string, req project.UpdateProjectRequest) (*models.Project, error) {
	return s.projects.UpdateProject(ctx, id, req)
}

// SetActiveProject makes id the active project.
func (s *Service) SetActiveProject(ctx context.Context, id string) (*models.Project, error) {
	return s.projects.SetActive(ctx, id)
}

// ActiveProject returns the active project.
func (s *Service) ActiveProject(ctx context.Context) (*models.Project, error) {
	return s.projects.Active(ctx)
}
