package db

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// NewMySQLConnection opens a *sqlx.DB. The DSN is forced to parse DATETIME
// columns and to read and write them in UTC.
func NewMySQLConnection(dsn string, opts SQLOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sqlx.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	configurePool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		return nil, err
	}
	return db, nil
}
