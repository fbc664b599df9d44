package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
)

func TestProvideSQLite(t *testing.T) {
	pool, cleanup, err := Provide(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "conductor.db"),
	}, logger.NewNop())
	require.NoError(t, err)

	var one int
	require.NoError(t, pool.Writer().Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
	assert.NoError(t, cleanup())
}

func TestProvideUnknownDriver(t *testing.T) {
	_, _, err := Provide(context.Background(), config.DatabaseConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestProvidePostgresRejectsBadDSN(t *testing.T) {
	_, _, err := Provide(context.Background(), config.DatabaseConfig{
		Driver: "postgres",
		DSN:    "postgres://conductor@localhost:notaport/conductor",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid postgres dsn")
}
