package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmoiron/sqlx"
)

const maxLastErrorBytes = 1024

// OutboxRepository persists outbox records and their delivery state.
type OutboxRepository interface {
	// Insert writes one record inside the caller's transaction.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error
	// ReserveSequences advances the aggregate's counter by n and returns the
	// new last value; the reserved range is last-n+1..last.
	ReserveSequences(ctx context.Context, tx *sqlx.Tx, aggregateID string, n int) (int64, error)

	ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxRecord, error)
	MarkDispatched(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, id, reason string) error
	MarkDeferred(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	ReleaseLease(ctx context.Context, id string, now time.Time) error
	DeleteDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Get(ctx context.Context, id string) (*model.OutboxRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `o.id, o.aggregate_id, o.event_type, o.payload, o.sequence, o.status, o.retry_count,
	o.next_attempt_at, o.lease_expires_at, o.last_error, o.created_at, o.processed_at`

// claimable matches rows a dispatcher may take at time now. It binds two
// parameters, both now.
func claimable(alias string) string {
	return strings.NewReplacer("$", alias).Replace(`($.status = 'pending'
		OR ($.status = 'failed' AND $.next_attempt_at <= ?)
		OR ($.status = 'processing' AND $.lease_expires_at <= ?))`)
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error {
	if tx == nil {
		return ErrNoTransaction
	}
	const q = `
		INSERT INTO outbox_events
		    (id, aggregate_id, event_type, payload, sequence, status, retry_count,
		     next_attempt_at, lease_expires_at, last_error, created_at, processed_at)
		VALUES
		    (:id, :aggregate_id, :event_type, :payload, :sequence, :status, :retry_count,
		     :next_attempt_at, :lease_expires_at, :last_error, :created_at, :processed_at)
	`
	rec.CreatedAt = rec.CreatedAt.UTC()
	_, err := tx.NamedExecContext(ctx, q, rec)
	return err
}

func (r *OutboxRepositoryImpl) ReserveSequences(ctx context.Context, tx *sqlx.Tx, aggregateID string, n int) (int64, error) {
	if tx == nil {
		return 0, ErrNoTransaction
	}
	if n <= 0 {
		return 0, fmt.Errorf("reserve %d sequences: count must be positive", n)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(sequenceUpsert(tx.DriverName())), aggregateID, n); err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	var last int64
	if err := tx.GetContext(ctx, &last, tx.Rebind(`SELECT last_sequence FROM outbox_sequences WHERE aggregate_id = ?`), aggregateID); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return last, nil
}

type claimCandidate struct {
	model.OutboxRecord
	// PendingBefore counts non-terminal rows of the same aggregate with a lower
	// sequence.
	PendingBefore int `db:"pending_before"`
}

// ClaimBatch leases up to limit records. For each aggregate the returned
// records are the lowest non-terminal sequences, contiguous and in order, so a
// dispatcher never holds a record while an earlier one is out of its reach.
func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	leaseUntil := now.Add(lease)
	driver := r.db.DriverName()

	q := `
		SELECT ` + outboxColumns + `,
		       (SELECT COUNT(*) FROM outbox_events b
		         WHERE b.aggregate_id = o.aggregate_id
		           AND b.sequence < o.sequence
		           AND b.status NOT IN ('dispatched', 'dead_letter')) AS pending_before
		  FROM outbox_events o
		 WHERE ` + claimable("o") + `
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox_events p
		        WHERE p.aggregate_id = o.aggregate_id
		          AND p.sequence < o.sequence
		          AND p.status NOT IN ('dispatched', 'dead_letter')
		          AND NOT ` + claimable("p") + `)
		 ORDER BY o.aggregate_id, o.sequence
		 LIMIT ?` + skipLockedClause(driver)

	update := `
		UPDATE outbox_events
		   SET status = 'processing', lease_expires_at = ?, next_attempt_at = NULL
		 WHERE id = ? AND ` + claimable("outbox_events")

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var candidates []claimCandidate
	if err := tx.SelectContext(ctx, &candidates, tx.Rebind(q), now, now, now, now, limit); err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}

	update = tx.Rebind(update)
	claimed := make([]model.OutboxRecord, 0, len(candidates))
	var (
		group    string
		position int
		dropped  bool
	)
	for _, c := range candidates {
		if c.AggregateID != group {
			group, position, dropped = c.AggregateID, 0, false
		}
		if dropped {
			continue
		}
		// an earlier sibling is held elsewhere (skipped lock) or lost to
		// another claimer: the rest of this aggregate must wait
		if c.PendingBefore != position {
			dropped = true
			continue
		}
		res, err := tx.ExecContext(ctx, update, leaseUntil, c.ID, now, now)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			dropped = true
			continue
		}
		rec := c.OutboxRecord
		rec.Status = model.OutboxProcessing
		rec.LeaseExpiresAt = &leaseUntil
		rec.NextAttemptAt = nil
		claimed = append(claimed, rec)
		position++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *OutboxRepositoryImpl) MarkDispatched(ctx context.Context, id string, now time.Time) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'dispatched', processed_at = ?, lease_expires_at = NULL, next_attempt_at = NULL
		 WHERE id = ? AND status = 'processing'
	`
	return r.mark(ctx, id, r.db.Rebind(q), []any{now.UTC(), id}, model.OutboxDispatched)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'failed', retry_count = retry_count + 1, last_error = ?,
		       next_attempt_at = ?, lease_expires_at = NULL
		 WHERE id = ? AND status = 'processing'
	`
	return r.mark(ctx, id, r.db.Rebind(q), []any{truncateReason(reason), nextAttemptAt.UTC(), id})
}

func (r *OutboxRepositoryImpl) MarkDeadLetter(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'dead_letter', last_error = ?, lease_expires_at = NULL, next_attempt_at = NULL
		 WHERE id = ? AND status = 'processing'
	`
	return r.mark(ctx, id, r.db.Rebind(q), []any{truncateReason(reason), id})
}

// MarkDeferred reschedules a claimed record like MarkFailed but leaves
// retry_count alone; the attempt never reached a sink.
func (r *OutboxRepositoryImpl) MarkDeferred(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'failed', last_error = ?, next_attempt_at = ?, lease_expires_at = NULL
		 WHERE id = ? AND status = 'processing'
	`
	return r.mark(ctx, id, r.db.Rebind(q), []any{truncateReason(reason), nextAttemptAt.UTC(), id})
}

// ReleaseLease expires the lease of a claimed record that was never attempted,
// so the next claim can pick it up without waiting.
func (r *OutboxRepositoryImpl) ReleaseLease(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE outbox_events SET lease_expires_at = ? WHERE id = ? AND status = 'processing'`
	return r.mark(ctx, id, r.db.Rebind(q), []any{now.UTC(), id}, model.OutboxProcessing)
}

// mark runs a guarded status update. When nothing changed, the record's
// current status decides: statuses in idempotent are success, anything else is
// ErrInvalidTransition.
func (r *OutboxRepositoryImpl) mark(ctx context.Context, id, q string, args []any, idempotent ...model.OutboxStatus) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status model.OutboxStatus
	err = r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM outbox_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	for _, s := range idempotent {
		if status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, id, status)
}

func (r *OutboxRepositoryImpl) DeleteDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM outbox_events WHERE status = 'dispatched' AND processed_at < ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, id string) (*model.OutboxRecord, error) {
	var rec model.OutboxRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`SELECT `+outboxColumns+` FROM outbox_events o WHERE o.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *OutboxRepositoryImpl) ListDeadLetters(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + outboxColumns + ` FROM outbox_events o
		 WHERE o.status = 'dead_letter'
		 ORDER BY o.created_at DESC, o.id DESC
		 LIMIT ?`
	recs := []model.OutboxRecord{}
	if err := r.db.SelectContext(ctx, &recs, r.db.Rebind(q), limit); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *OutboxRepositoryImpl) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	var rows []struct {
		Status model.OutboxStatus `db:"status"`
		Count  int64              `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM outbox_events GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[model.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func truncateReason(reason string) string {
	if len(reason) <= maxLastErrorBytes {
		return reason
	}
	return strings.ToValidUTF8(reason[:maxLastErrorBytes], "")
}
