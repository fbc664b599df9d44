package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/conductor/internal/session/models"
)

type executionRow struct {
	ID           string         `db:"id"`
	SessionID    string         `db:"session_id"`
	Sequence     int            `db:"sequence"`
	CommitHash   sql.NullString `db:"commit_hash"`
	BaseCommit   string         `db:"base_commit"`
	DiffSummary  string         `db:"diff_summary"`
	Diff         string         `db:"diff"`
	FilesChanged int            `db:"files_changed"`
	Additions    int            `db:"additions"`
	Deletions    int            `db:"deletions"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (row executionRow) toModel() *models.Execution {
	e := &models.Execution{
		ID:           row.ID,
		SessionID:    row.SessionID,
		Sequence:     row.Sequence,
		BaseCommit:   row.BaseCommit,
		DiffSummary:  row.DiffSummary,
		Diff:         row.Diff,
		FilesChanged: row.FilesChanged,
		Additions:    row.Additions,
		Deletions:    row.Deletions,
		Timestamp:    row.CreatedAt,
	}
	if row.CommitHash.Valid {
		hash := row.CommitHash.String
		e.CommitHash = &hash
	}
	return e
}

const executionColumns = `id, session_id, sequence, commit_hash, base_commit, diff_summary, diff,
	files_changed, additions, deletions, created_at`

// CreateExecution inserts an execution. A duplicate (session_id, sequence) is rejected.
func (r *Repository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	if execution.Timestamp.IsZero() {
		execution.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), execution.ID, execution.SessionID, execution.Sequence, execution.CommitHash, execution.BaseCommit,
		execution.DiffSummary, execution.Diff, execution.FilesChanged, execution.Additions,
		execution.Deletions, execution.Timestamp)
	return err
}

// ListExecutions returns a session's executions in sequence order
func (r *Repository) ListExecutions(ctx context.Context, sessionID string) ([]*models.Execution, error) {
	var rows []executionRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT `+executionColumns+` FROM executions WHERE session_id = ? ORDER BY sequence ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.Execution, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// GetLastExecution returns the latest execution of a session, or nil
func (r *Repository) GetLastExecution(ctx context.Context, sessionID string) (*models.Execution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+executionColumns+` FROM executions WHERE session_id = ? ORDER BY sequence DESC LIMIT 1
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
