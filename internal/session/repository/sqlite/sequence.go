package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// maxSequenceAttempts bounds how often an append re-reads the next sequence after
// losing a race to a concurrent writer on the same session.
const maxSequenceAttempts = 5

const pgUniqueViolation = "23505"

// appendNext allocates the next per-session sequence in table and hands it to insert
// inside one transaction. Under postgres read-committed two writers can read the same
// MAX(sequence); the loser hits UNIQUE(session_id, sequence) and is retried.
func (r *Repository) appendNext(ctx context.Context, table, sessionID string, insert func(tx *sqlx.Tx, next int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		next, err := r.tryAppendNext(ctx, table, sessionID, insert)
		if err == nil {
			return next, nil
		}
		if !isUniqueViolation(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("allocate %s sequence for session %s: %w", table, sessionID, lastErr)
}

func (r *Repository) tryAppendNext(ctx context.Context, table, sessionID string, insert func(tx *sqlx.Tx, next int) error) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.GetContext(ctx, &next, r.db.Rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM `+table+` WHERE session_id = ?`,
	), sessionID); err != nil {
		return 0, err
	}
	if err := insert(tx, next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
