package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/session/models"
)

// MemoryRepository provides in-memory storage, used by tests and ephemeral runs.
// Stored values are copied on the way in and out.
type MemoryRepository struct {
	projects   map[string]*models.Project
	sessions   map[string]*models.Session
	executions map[string][]*models.Execution
	messages   map[string][]*models.ConversationMessage
	outputs    map[string][]*models.SessionOutput
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:   make(map[string]*models.Project),
		sessions:   make(map[string]*models.Session),
		executions: make(map[string][]*models.Execution),
		messages:   make(map[string][]*models.ConversationMessage),
		outputs:    make(map[string][]*models.SessionOutput),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Project operations

func (r *MemoryRepository) CreateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	if project.Active {
		r.clearActiveLocked()
	}
	cp := *project
	r.projects[project.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.projects[project.ID]
	if !ok {
		return apperrors.NotFound("project", project.ID)
	}
	project.CreatedAt = existing.CreatedAt
	project.UpdatedAt = time.Now().UTC()
	if project.Active {
		r.clearActiveLocked()
	}
	cp := *project
	r.projects[project.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) SetActiveProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[id]
	if !ok {
		return apperrors.NotFound("project", id)
	}
	r.clearActiveLocked()
	p.Active = true
	return nil
}

func (r *MemoryRepository) GetActiveProject(ctx context.Context) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.projects {
		if p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) clearActiveLocked() {
	for _, p := range r.projects {
		p.Active = false
	}
}

// Session operations

func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.SessionNotFound(id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return apperrors.SessionNotFound(session.ID)
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now().UTC()
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListSessions(ctx context.Context, projectID string) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Execution operations

func (r *MemoryRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[execution.SessionID]; !ok {
		return apperrors.SessionNotFound(execution.SessionID)
	}
	for _, e := range r.executions[execution.SessionID] {
		if e.Sequence == execution.Sequence {
			return fmt.Errorf("execution %d already exists for session %s", execution.Sequence, execution.SessionID)
		}
	}
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	if execution.Timestamp.IsZero() {
		execution.Timestamp = time.Now().UTC()
	}
	cp := *execution
	r.executions[execution.SessionID] = append(r.executions[execution.SessionID], &cp)
	sort.Slice(r.executions[execution.SessionID], func(i, j int) bool {
		return r.executions[execution.SessionID][i].Sequence < r.executions[execution.SessionID][j].Sequence
	})
	return nil
}

func (r *MemoryRepository) ListExecutions(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Execution, 0, len(r.executions[sessionID]))
	for _, e := range r.executions[sessionID] {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (r *MemoryRepository) GetLastExecution(ctx context.Context, sessionID string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.executions[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

// Message operations

func (r *MemoryRepository) AppendMessage(ctx context.Context, message *models.ConversationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[message.SessionID]; !ok {
		return apperrors.SessionNotFound(message.SessionID)
	}
	if message.ID == "" {
		message.ID = ulid.Make().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	message.Sequence = len(r.messages[message.SessionID]) + 1
	cp := *message
	r.messages[message.SessionID] = append(r.messages[message.SessionID], &cp)
	return nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID string) ([]*models.ConversationMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.ConversationMessage, 0, len(r.messages[sessionID]))
	for _, m := range r.messages[sessionID] {
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

// Output operations

func (r *MemoryRepository) AppendOutput(ctx context.Context, output *models.SessionOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[output.SessionID]; !ok {
		return apperrors.SessionNotFound(output.SessionID)
	}
	if output.Timestamp.IsZero() {
		output.Timestamp = time.Now().UTC()
	}
	output.Sequence = len(r.outputs[output.SessionID]) + 1
	cp := *output
	r.outputs[output.SessionID] = append(r.outputs[output.SessionID], &cp)
	return nil
}

func (r *MemoryRepository) ListOutputs(ctx context.Context, sessionID string) ([]*models.SessionOutput, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.SessionOutput, 0, len(r.outputs[sessionID]))
	for _, o := range r.outputs[sessionID] {
		cp := *o
		result = append(result, &cp)
	}
	return result, nil
}
