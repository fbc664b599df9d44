package repository

import (
	"github.com/kandev/conductor/internal/db"
	"github.com/kandev/conductor/internal/session/repository/sqlite"
)

// Provide builds the SQL-backed repository over pool.
func Provide(pool *db.Pool) (Repository, error) {
	return sqlite.NewWithDB(pool.Writer(), pool.Reader())
}
