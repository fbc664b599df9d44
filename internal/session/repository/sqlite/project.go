package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/session/models"
)

type projectRow struct {
	ID                    string    `db:"id"`
	Name                  string    `db:"name"`
	Path                  string    `db:"path"`
	MainBranch            string    `db:"main_branch"`
	RunScript             string    `db:"run_script"`
	BuildScript           string    `db:"build_script"`
	SystemPrompt          string    `db:"system_prompt"`
	DefaultPermissionMode string    `db:"default_permission_mode"`
	WorktreeFolder        string    `db:"worktree_folder"`
	Active                int       `db:"active"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

func (row projectRow) toModel() *models.Project {
	return &models.Project{
		ID:                    row.ID,
		Name:                  row.Name,
		Path:                  row.Path,
		MainBranch:            row.MainBranch,
		RunScript:             row.RunScript,
		BuildScript:           row.BuildScript,
		SystemPrompt:          row.SystemPrompt,
		DefaultPermissionMode: models.PermissionMode(row.DefaultPermissionMode),
		WorktreeFolder:        row.WorktreeFolder,
		Active:                row.Active == 1,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
}

const projectColumns = `id, name, path, main_branch, run_script, build_script, system_prompt,
	default_permission_mode, worktree_folder, active, created_at, updated_at`

// CreateProject inserts a project. An active project deactivates every other one.
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if project.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET active = 0`); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.Path, project.MainBranch, project.RunScript, project.BuildScript,
		project.SystemPrompt, string(project.DefaultPermissionMode), project.WorktreeFolder,
		boolToInt(project.Active), project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var row projectRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// UpdateProject updates a project's mutable fields
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if project.Active {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`UPDATE projects SET active = 0 WHERE id <> ?`), project.ID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, path = ?, main_branch = ?, run_script = ?, build_script = ?,
			system_prompt = ?, default_permission_mode = ?, worktree_folder = ?, active = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.Path, project.MainBranch, project.RunScript, project.BuildScript,
		project.SystemPrompt, string(project.DefaultPermissionMode), project.WorktreeFolder,
		boolToInt(project.Active), project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return tx.Commit()
}

// ListProjects returns all projects ordered by creation time
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var rows []projectRow
	if err := r.ro.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	result := make([]*models.Project, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// SetActiveProject makes id the only active project
func (r *Repository) SetActiveProject(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET active = 0`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`UPDATE projects SET active = 1, updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("project", id)
	}
	return tx.Commit()
}

// GetActiveProject returns the active project or nil
func (r *Repository) GetActiveProject(ctx context.Context) (*models.Project, error) {
	var row projectRow
	err := r.ro.GetContext(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE active = 1 LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
