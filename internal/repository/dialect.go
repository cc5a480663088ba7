package repository

import "github.com/jmehdipour/flowhub/internal/db"

// lockForUpdate is appended to single-row reads inside a use case transaction.
// SQLite has no row locks; its single writer already serializes the tx.
func lockForUpdate(driver string) string {
	if driver == db.DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// skipLockedClause lets concurrent claimers pass over candidate rows another
// dispatcher is already holding.
func skipLockedClause(driver string) string {
	if driver == db.DriverSQLite {
		return ""
	}
	return " FOR UPDATE OF o SKIP LOCKED"
}

func sequenceUpsert(driver string) string {
	if driver == db.DriverMySQL {
		return `
			INSERT INTO outbox_sequences (aggregate_id, last_sequence)
			VALUES (?, ?)
			ON DUPLICATE KEY UPDATE last_sequence = last_sequence + VALUES(last_sequence)`
	}
	return `
		INSERT INTO outbox_sequences (aggregate_id, last_sequence)
		VALUES (?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET last_sequence = outbox_sequences.last_sequence + excluded.last_sequence`
}
