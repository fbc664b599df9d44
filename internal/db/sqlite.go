package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOptions tunes the connections opened by OpenSQLitePool.
type SQLiteOptions struct {
	BusyTimeout time.Duration // how long a statement waits on a locked database
	ReaderConns int           // size of the read-only pool
}

func (o SQLiteOptions) withDefaults() SQLiteOptions {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.ReaderConns <= 0 {
		o.ReaderConns = 4
	}
	return o
}

// OpenSQLitePool opens the session database at path, creating it and its directory when
// missing. Writes go through a single WAL connection; reads use a read-only pool.
func OpenSQLitePool(path string, opts SQLiteOptions) (*Pool, error) {
	opts = opts.withDefaults()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	writer, err := openSQLite(abs, url.Values{
		"_mode":         {"rwc"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}, opts.BusyTimeout, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The reader can only open the file once the writer has created it.
	reader, err := openSQLite(abs, url.Values{"_mode": {"ro"}}, opts.BusyTimeout, opts.ReaderConns)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}

func openSQLite(path string, params url.Values, busy time.Duration, conns int) (*sql.DB, error) {
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
