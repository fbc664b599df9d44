// Package project manages the registry of projects sessions are created in.
package project

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/session/repository"
)

// Initializer prepares a directory as a git repository and reports its current branch.
type Initializer interface {
	InitializeProject(ctx context.Context, path string) (string, error)
}

// CreateProjectRequest contains the data for creating a project.
type CreateProjectRequest struct {
	Name                  string
	Path                  string
	BuildScript           string
	RunScript             string
	SystemPrompt          string
	DefaultPermissionMode models.PermissionMode
	WorktreeFolder        string
	// Activate makes the new project the active one.
	Activate bool
}

// UpdateProjectRequest contains the fields to change; nil fields are left alone.
type UpdateProjectRequest struct {
	Name                  *string
	MainBranch            *string
	BuildScript           *string
	RunScript             *string
	SystemPrompt          *string
	DefaultPermissionMode *models.PermissionMode
	WorktreeFolder        *string
}

// Service provides project operations.
type Service struct {
	repo        repository.Repository
	initializer Initializer
	eventBus    bus.EventBus
	logger      *logger.Logger
	defaultMode models.PermissionMode
}

// NewService creates a project service. defaultMode is applied to projects created
// without a permission mode.
func NewService(repo repository.Repository, initializer Initializer, eventBus bus.EventBus, log *logger.Logger, defaultMode models.PermissionMode) *Service {
	if !defaultMode.Valid() {
		defaultMode = models.PermissionModeAutoDeny
	}
	return &Service{
		repo:        repo,
		initializer: initializer,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "project-service")),
		defaultMode: defaultMode,
	}
}

// CreateProject registers a project rooted at req.Path. The directory is created and
// initialized as a git repository when needed, and its current branch becomes the main branch.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*models.Project, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return nil, apperrors.ValidationError("path", "is required")
	}
	if req.DefaultPermissionMode != "" && !req.DefaultPermissionMode.Valid() {
		return nil, apperrors.ValidationError("defaultPermissionMode", "unknown mode "+string(req.DefaultPermissionMode))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.ValidationError("path", err.Error())
	}

	mainBranch, err := s.initializer.InitializeProject(ctx, abs)
	if err != nil {
		return nil, apperrors.Wrap(err, "initialize project repository")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = filepath.Base(abs)
	}
	mode := req.DefaultPermissionMode
	if mode == "" {
		mode = s.defaultMode
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:                    uuid.New().String(),
		Name:                  name,
		Path:                  abs,
		MainBranch:            mainBranch,
		BuildScript:           req.BuildScript,
		RunScript:             req.RunScript,
		SystemPrompt:          req.SystemPrompt,
		DefaultPermissionMode: mode,
		WorktreeFolder:        req.WorktreeFolder,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		s.logger.Error("failed to create project", zap.Error(err))
		return nil, err
	}
	s.publish(ctx, events.ProjectCreated, project)
	s.logger.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("path", project.Path),
		zap.String("main_branch", mainBranch))

	if req.Activate {
		return s.SetActive(ctx, project.ID)
	}
	return project, nil
}

// GetProject retrieves a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateProject updates an existing project.
func (s *Service) UpdateProject(ctx context.Context, id string, req UpdateProjectRequest) (*models.Project, error) {
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, apperrors.ValidationError("name", "must not be empty")
		}
		project.Name = strings.TrimSpace(*req.Name)
	}
	if req.MainBranch != nil {
		project.MainBranch = *req.MainBranch
	}
	if req.BuildScript != nil {
		project.BuildScript = *req.BuildScript
	}
	if req.RunScript != nil {
		project.RunScript = *req.RunScript
	}
	if req.SystemPrompt != nil {
		project.SystemPrompt = *req.SystemPrompt
	}
	if req.DefaultPermissionMode != nil {
		if !req.DefaultPermissionMode.Valid() {
			return nil, apperrors.ValidationError("defaultPermissionMode", "unknown mode "+string(*req.DefaultPermissionMode))
		}
		project.DefaultPermissionMode = *req.DefaultPermissionMode
	}
	if req.WorktreeFolder != nil {
		project.WorktreeFolder = *req.WorktreeFolder
	}
	project.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateProject(ctx, project); err != nil {
		s.logger.Error("failed to update project", zap.String("project_id", id), zap.Error(err))
		return nil, err
	}
	s.publish(ctx, events.ProjectUpdated, project)
	s.logger.Info("project updated", zap.String("project_id", id))
	return project, nil
}

// SetActive makes id the single active project.
func (s *Service) SetActive(ctx context.Context, id string) (*models.Project, error) {
	if err := s.repo.SetActiveProject(ctx, id); err != nil {
		return nil, err
	}
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ProjectActivated, project)
	s.logger.Info("project activated", zap.String("project_id", id))
	return project, nil
}

// Active returns the active project, or a NOT_FOUND error when none is active.
func (s *Service) Active(ctx context.Context) (*models.Project, error) {
	project, err := s.repo.GetActiveProject(ctx)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperrors.NotFound("active project", "")
	}
	return project, nil
}

func (s *Service) publish(ctx context.Context, eventType string, project *models.Project) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "project-service", map[string]interface{}{
		"project_id":  project.ID,
		"name":        project.Name,
		"path":        project.Path,
		"main_branch": project.MainBranch,
	})
	if err := s.eventBus.Publish(ctx, events.ProjectSubject(eventType, project.ID), event); err != nil {
		s.logger.Debug("failed to publish project event", zap.String("type", eventType), zap.Error(err))
	}
}
