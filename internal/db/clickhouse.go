package db

import (
	"context"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the reporting store, e.g.
// clickhouse://default:@localhost:9000/flowhub?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts SQLOpts) (*sqlx.DB, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	configurePool(db, opts)

	if err := ping(db, opts.PingTimeout); err != nil {
		return nil, err
	}
	return db, nil
}

const clickHouseEventsDDL = `
CREATE TABLE IF NOT EXISTS workflow_events
(
    event_id     String,
    event_type   LowCardinality(String),
    aggregate_id String,
    sequence     Int64,
    workspace_id Int64,
    occurred_on  DateTime64(3, 'UTC'),
    payload      String,
    ingested_at  DateTime64(3, 'UTC')
)
ENGINE = ReplacingMergeTree(ingested_at)
PARTITION BY toYYYYMM(occurred_on)
ORDER BY (event_type, occurred_on, event_id)
`

// EnsureClickHouseSchema creates the reporting table when it is missing.
func EnsureClickHouseSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, clickHouseEventsDDL)
	return err
}
