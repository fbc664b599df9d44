// Package persistence opens the database selected by configuration.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/db"
)

// Provide creates the database pool used by repositories.
func Provide(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		pool, err := db.OpenSQLitePool(cfg.Path, db.SQLiteOptions{
			BusyTimeout: time.Duration(cfg.BusyTimeoutMs) * time.Millisecond,
			ReaderConns: cfg.ReaderConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", driver))
		}
		cleanup := func() error {
			// refresh planner statistics
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil
	case "postgres":
		pool, err := db.OpenPostgresPool(ctx, cfg.DSN, db.PostgresOptions{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_driver", driver))
		}
		return pool, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
