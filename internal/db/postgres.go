package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func NewPostgresConnection(dsn string, opts SQLOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty Postgres DSN")
	}
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, err
	}
	configurePool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		return nil, err
	}
	return db, nil
}
