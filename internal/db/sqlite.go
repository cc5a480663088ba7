package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqlitePragmas = "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_loc=UTC"

// NewSQLiteConnection opens a single-node store. path may be a plain file
// path or a "file:" URI; pragmas are appended when absent. The pool is pinned
// to one connection because SQLite serializes writers anyway.
func NewSQLiteConnection(path string, opts SQLOpts) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty SQLite path")
	}
	dsn := path
	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + sqlitePragmas
	}

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	configurePool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		return nil, err
	}
	return db, nil
}
