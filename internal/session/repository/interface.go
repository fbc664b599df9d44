// Package repository defines session persistence and its implementations.
package repository

import (
	"context"

	"github.com/kandev/conductor/internal/session/models"
)

// Repository persists projects, sessions and their history. Each call is durable and
// strongly consistent on return. Missing sessions yield a SESSION_NOT_FOUND error,
// missing projects a NOT_FOUND error.
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	ListProjects(ctx context.Context) ([]*models.Project, error)
	// SetActiveProject marks id as the single active project.
	SetActiveProject(ctx context.Context, id string) error
	// GetActiveProject returns the active project, or nil when none is active.
	GetActiveProject(ctx context.Context) (*models.Project, error)

	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListSessions lists sessions of a project, or of every project when projectID is empty.
	ListSessions(ctx context.Context, projectID string) ([]*models.Session, error)

	// Execution operations. Executions are insert-only; (session_id, sequence) is unique.
	CreateExecution(ctx context.Context, execution *models.Execution) error
	ListExecutions(ctx context.Context, sessionID string) ([]*models.Execution, error)
	// GetLastExecution returns the highest-sequence execution, or nil when there is none.
	GetLastExecution(ctx context.Context, sessionID string) (*models.Execution, error)

	// AppendMessage stores a message, assigning the next per-session sequence.
	AppendMessage(ctx context.Context, message *models.ConversationMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.ConversationMessage, error)

	// AppendOutput stores an output record, assigning the next per-session sequence.
	AppendOutput(ctx context.Context, output *models.SessionOutput) error
	ListOutputs(ctx context.Context, sessionID string) ([]*models.SessionOutput, error)

	Close() error
}
