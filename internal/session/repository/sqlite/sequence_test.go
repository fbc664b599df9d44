package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/db"
	"github.com/kandev/conductor/internal/session/models"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "seq.db"), db.SQLiteOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	repo, err := NewWithDB(pool.Writer(), pool.Reader())
	require.NoError(t, err)
	return repo
}

func seed(t *testing.T, repo *Repository) string {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Name: "p", Path: "/p", MainBranch: "main"}
	require.NoError(t, repo.CreateProject(ctx, project))
	session := &models.Session{Name: "s", ProjectID: project.ID,
		PermissionMode: models.PermissionModeAutoDeny, Status: models.SessionStatusRunning}
	require.NoError(t, repo.CreateSession(ctx, session))
	return session.ID
}

func insertOutput(ctx context.Context, repo *Repository, sessionID string) func(tx *sqlx.Tx, next int) error {
	return func(tx *sqlx.Tx, next int) error {
		_, err := tx.ExecContext(ctx, repo.db.Rebind(
			`INSERT INTO session_outputs (session_id, sequence, type, data, created_at) VALUES (?, ?, 'stdout', 'x', CURRENT_TIMESTAMP)`,
		), sessionID, next)
		return err
	}
}

func TestAppendNext_RetriesAfterLostRace(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := seed(t, repo)

	attempts := 0
	insert := insertOutput(ctx, repo, id)
	next, err := repo.appendNext(ctx, "session_outputs", id, func(tx *sqlx.Tx, next int) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: pgUniqueViolation}
		}
		return insert(tx, next)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, next)
}

func TestAppendNext_SQLiteDuplicateIsRetried(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := seed(t, repo)

	// The first attempt writes the sequence twice, the way a concurrent writer would.
	attempts := 0
	insert := insertOutput(ctx, repo, id)
	next, err := repo.appendNext(ctx, "session_outputs", id, func(tx *sqlx.Tx, next int) error {
		attempts++
		if attempts == 1 {
			require.NoError(t, insert(tx, next))
		}
		return insert(tx, next)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, next)

	outputs, err := repo.ListOutputs(ctx, id)
	require.NoError(t, err)
	assert.Len(t, outputs, 1)
}

func TestAppendNext_OtherErrorsAreNotRetried(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := seed(t, repo)

	boom := errors.New("boom")
	attempts := 0
	_, err := repo.appendNext(ctx, "session_outputs", id, func(*sqlx.Tx, int) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestAppendNext_GivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	id := seed(t, repo)

	attempts := 0
	_, err := repo.appendNext(ctx, "session_outputs", id, func(*sqlx.Tx, int) error {
		attempts++
		return &pgconn.PgError{Code: pgUniqueViolation}
	})
	require.Error(t, err)
	assert.Equal(t, maxSequenceAttempts, attempts)
	assert.True(t, isUniqueViolation(err))
}
