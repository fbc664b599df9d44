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

type sessionRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	ProjectID      string         `db:"project_id"`
	Prompt         string         `db:"prompt"`
	WorktreePath   string         `db:"worktree_path"`
	BranchName     string         `db:"branch_name"`
	BaseCommit     string         `db:"base_commit"`
	PermissionMode string         `db:"permission_mode"`
	Status         string         `db:"status"`
	StatusMessage  string         `db:"status_message"`
	IsMainRepo     int            `db:"is_main_repo"`
	AutoCommit     int            `db:"auto_commit"`
	FolderID       sql.NullString `db:"folder_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ArchivedAt     sql.NullTime   `db:"archived_at"`
}

func (row sessionRow) toModel() *models.Session {
	s := &models.Session{
		ID:             row.ID,
		Name:           row.Name,
		ProjectID:      row.ProjectID,
		Prompt:         row.Prompt,
		WorktreePath:   row.WorktreePath,
		BranchName:     row.BranchName,
		BaseCommit:     row.BaseCommit,
		PermissionMode: models.PermissionMode(row.PermissionMode),
		Status:         models.SessionStatus(row.Status),
		StatusMessage:  row.StatusMessage,
		IsMainRepo:     row.IsMainRepo == 1,
		AutoCommit:     row.AutoCommit == 1,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.FolderID.Valid {
		folder := row.FolderID.String
		s.FolderID = &folder
	}
	if row.ArchivedAt.Valid {
		at := row.ArchivedAt.Time
		s.ArchivedAt = &at
	}
	return s
}

const sessionColumns = `id, name, project_id, prompt, worktree_path, branch_name, base_commit,
	permission_mode, status, status_message, is_main_repo, auto_commit, folder_id,
	created_at, updated_at, archived_at`

// CreateSession inserts a new session
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.Name, session.ProjectID, session.Prompt, session.WorktreePath,
		session.BranchName, session.BaseCommit, string(session.PermissionMode), string(session.Status),
		session.StatusMessage, boolToInt(session.IsMainRepo), boolToInt(session.AutoCommit),
		session.FolderID, session.CreatedAt, session.UpdatedAt, session.ArchivedAt)
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// UpdateSession writes every mutable session field
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET name = ?, worktree_path = ?, branch_name = ?, base_commit = ?,
			permission_mode = ?, status = ?, status_message = ?, auto_commit = ?, folder_id = ?,
			updated_at = ?, archived_at = ?
		WHERE id = ?
	`), session.Name, session.WorktreePath, session.BranchName, session.BaseCommit,
		string(session.PermissionMode), string(session.Status), session.StatusMessage,
		boolToInt(session.AutoCommit), session.FolderID, session.UpdatedAt, session.ArchivedAt, session.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.SessionNotFound(session.ID)
	}
	return nil
}

// ListSessions lists sessions of one project, or all sessions when projectID is empty
func (r *Repository) ListSessions(ctx context.Context, projectID string) ([]*models.Session, error) {
	var rows []sessionRow
	var err error
	if projectID == "" {
		err = r.ro.SelectContext(ctx, &rows, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC`)
	} else {
		err = r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY created_at ASC`), projectID)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}
