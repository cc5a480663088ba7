package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/db/dbtest"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

const lease = 30 * time.Second

// enqueue stores n pending records for aggregate in one transaction.
func enqueue(t *testing.T, conn *sqlx.DB, repo *OutboxRepositoryImpl, aggregate string, n int) []string {
	t.Helper()
	ctx := context.Background()

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	last, err := repo.ReserveSequences(ctx, tx, aggregate, n)
	require.NoError(t, err)

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := model.OutboxRecord{
			ID:          util.NewAt(base),
			AggregateID: aggregate,
			EventType:   "workflow.created",
			Payload:     []byte(`{}`),
			Sequence:    last - int64(n) + int64(i) + 1,
			Status:      model.OutboxPending,
			CreatedAt:   base,
		}
		require.NoError(t, repo.Insert(ctx, tx, rec))
		out = append(out, rec.ID)
	}
	require.NoError(t, tx.Commit())
	return out
}

func ids(recs []model.OutboxRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestInsertRequiresTransaction(t *testing.T) {
	repo := NewOutboxRepository(dbtest.NewSQLite(t))
	err := repo.Insert(context.Background(), nil, model.OutboxRecord{ID: "x"})
	require.ErrorIs(t, err, ErrNoTransaction)

	_, err = repo.ReserveSequences(context.Background(), nil, "agg", 1)
	require.ErrorIs(t, err, ErrNoTransaction)
}

func TestInsertRolledBackLeavesNothing(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.ReserveSequences(ctx, tx, "agg", 1)
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, tx, model.OutboxRecord{
		ID: util.New(), AggregateID: "agg", EventType: "workflow.created",
		Payload: []byte(`{}`), Sequence: 1, Status: model.OutboxPending, CreatedAt: base,
	}))
	require.NoError(t, tx.Rollback())

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)

	// the counter rolled back with the insert
	tx, err = conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	last, err := repo.ReserveSequences(ctx, tx, "agg", 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, last)
	require.NoError(t, tx.Commit())
}

func TestReserveSequencesIsMonotonic(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)

	first := enqueue(t, conn, repo, "agg", 2)
	second := enqueue(t, conn, repo, "agg", 3)

	for i, id := range append(first, second...) {
		rec, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		require.EqualValues(t, i+1, rec.Sequence)
	}
}

func TestClaimBatchLeasesInAggregateOrder(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 2)
	b := enqueue(t, conn, repo, "agg-b", 1)

	claimed, err := repo.ClaimBatch(ctx, 10, base, lease)
	require.NoError(t, err)
	require.Equal(t, []string{a[0], a[1], b[0]}, ids(claimed))
	for _, rec := range claimed {
		require.Equal(t, model.OutboxProcessing, rec.Status)
		require.NotNil(t, rec.LeaseExpiresAt)
		require.True(t, rec.LeaseExpiresAt.Equal(base.Add(lease)))
	}

	stored, err := repo.Get(ctx, a[0])
	require.NoError(t, err)
	require.Equal(t, model.OutboxProcessing, stored.Status)
	require.NotNil(t, stored.LeaseExpiresAt)

	// leases still valid: nothing to claim
	again, err := repo.ClaimBatch(ctx, 10, base.Add(time.Second), lease)
	require.NoError(t, err)
	require.Empty(t, again)

	// lease lapsed: reclaimable by anyone
	again, err = repo.ClaimBatch(ctx, 10, base.Add(lease), lease)
	require.NoError(t, err)
	require.Len(t, again, 3)
}

func TestClaimBatchRespectsLimitAsPrefix(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 3)

	claimed, err := repo.ClaimBatch(ctx, 2, base, lease)
	require.NoError(t, err)
	require.Equal(t, a[:2], ids(claimed))

	// a[2] waits until its predecessors leave processing
	rest, err := repo.ClaimBatch(ctx, 2, base, lease)
	require.NoError(t, err)
	require.Empty(t, rest)

	require.NoError(t, repo.MarkDispatched(ctx, a[0], base))
	require.NoError(t, repo.MarkDispatched(ctx, a[1], base))

	rest, err = repo.ClaimBatch(ctx, 2, base, lease)
	require.NoError(t, err)
	require.Equal(t, a[2:], ids(rest))
}

func TestClaimBatchBlocksBehindBackingOffRecord(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 2)
	b := enqueue(t, conn, repo, "agg-b", 1)

	claimed, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.Equal(t, a[:1], ids(claimed))
	require.NoError(t, repo.MarkFailed(ctx, a[0], "broker down", base.Add(time.Minute)))

	// a[1] is stuck behind a[0] until its retry time; b is independent
	claimed, err = repo.ClaimBatch(ctx, 10, base.Add(time.Second), lease)
	require.NoError(t, err)
	require.Equal(t, b, ids(claimed))
	require.NoError(t, repo.MarkDispatched(ctx, b[0], base.Add(time.Second)))

	claimed, err = repo.ClaimBatch(ctx, 10, base.Add(time.Minute), lease)
	require.NoError(t, err)
	require.Equal(t, a, ids(claimed))
	require.Equal(t, 1, claimed[0].RetryCount)
	require.Nil(t, claimed[0].NextAttemptAt)
}

func TestClaimBatchSkipsPastTerminalPredecessors(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 2)
	_, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDeadLetter(ctx, a[0], "unknown event type"))

	claimed, err := repo.ClaimBatch(ctx, 10, base, lease)
	require.NoError(t, err)
	require.Equal(t, a[1:], ids(claimed))
}

func TestClaimBatchConcurrentClaimersNeverOverlap(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	total := 0
	for i := 0; i < 10; i++ {
		total += len(enqueue(t, conn, repo, fmt.Sprintf("agg-%02d", i), 5))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := repo.ClaimBatch(ctx, 4, base, time.Hour)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, rec := range claimed {
					seen[rec.ID]++
				}
				mu.Unlock()
				for _, rec := range claimed {
					if err := repo.MarkDispatched(ctx, rec.ID, base); err != nil {
						errs <- err
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "record %s claimed twice", id)
	}
}

func TestMarkTransitions(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 1)

	// pending records cannot be marked
	require.ErrorIs(t, repo.MarkDispatched(ctx, a[0], base), ErrInvalidTransition)
	require.ErrorIs(t, repo.MarkFailed(ctx, a[0], "x", base), ErrInvalidTransition)
	require.ErrorIs(t, repo.MarkDeadLetter(ctx, a[0], "x"), ErrInvalidTransition)
	require.ErrorIs(t, repo.MarkDispatched(ctx, "missing", base), ErrNotFound)

	_, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDispatched(ctx, a[0], base.Add(time.Second)))
	// repeated success is a no-op
	require.NoError(t, repo.MarkDispatched(ctx, a[0], base.Add(2*time.Second)))

	rec, err := repo.Get(ctx, a[0])
	require.NoError(t, err)
	require.Equal(t, model.OutboxDispatched, rec.Status)
	require.Nil(t, rec.LeaseExpiresAt)
	require.NotNil(t, rec.ProcessedAt)
	require.True(t, rec.ProcessedAt.Equal(base.Add(time.Second)))

	require.ErrorIs(t, repo.MarkFailed(ctx, a[0], "late", base), ErrInvalidTransition)
}

func TestMarkDeferredKeepsRetryCount(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 1)
	require.ErrorIs(t, repo.MarkDeferred(ctx, a[0], "circuit open", base), ErrInvalidTransition)

	_, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDeferred(ctx, a[0], "circuit open", base.Add(time.Second)))

	rec, err := repo.Get(ctx, a[0])
	require.NoError(t, err)
	require.Equal(t, model.OutboxFailed, rec.Status)
	require.Zero(t, rec.RetryCount)
	require.Nil(t, rec.LeaseExpiresAt)
	require.NotNil(t, rec.NextAttemptAt)
	require.True(t, rec.NextAttemptAt.Equal(base.Add(time.Second)))
	require.Equal(t, "circuit open", *rec.LastError)

	claimed, err := repo.ClaimBatch(ctx, 1, base.Add(time.Second), lease)
	require.NoError(t, err)
	require.Equal(t, a, ids(claimed))
}

func TestMarkDeadLetterKeepsRetryCountAndTruncates(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 1)
	_, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, a[0], "timeout", base.Add(time.Second)))

	_, err = repo.ClaimBatch(ctx, 1, base.Add(time.Second), lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDeadLetter(ctx, a[0], strings.Repeat("e", 4000)))

	rec, err := repo.Get(ctx, a[0])
	require.NoError(t, err)
	require.Equal(t, model.OutboxDeadLetter, rec.Status)
	require.Equal(t, 1, rec.RetryCount)
	require.Nil(t, rec.NextAttemptAt)
	require.Nil(t, rec.LeaseExpiresAt)
	require.NotNil(t, rec.LastError)
	require.Len(t, *rec.LastError, maxLastErrorBytes)

	dead, err := repo.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, a, ids(dead))
}

func TestReleaseLeaseMakesRecordClaimable(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	a := enqueue(t, conn, repo, "agg-a", 1)
	_, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseLease(ctx, a[0], base))
	claimed, err := repo.ClaimBatch(ctx, 1, base, lease)
	require.NoError(t, err)
	require.Equal(t, a, ids(claimed))
}

func TestDeleteDispatchedBeforeOnlyRemovesOldDispatched(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := NewOutboxRepository(conn)
	ctx := context.Background()

	old := enqueue(t, conn, repo, "agg-old", 1)
	fresh := enqueue(t, conn, repo, "agg-fresh", 1)
	dead := enqueue(t, conn, repo, "agg-dead", 1)
	pending := enqueue(t, conn, repo, "agg-pending", 1)

	_, err := repo.ClaimBatch(ctx, 4, base, lease)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDeadLetter(ctx, dead[0], "bad"))
	require.NoError(t, repo.MarkDispatched(ctx, fresh[0], base.Add(48*time.Hour)))
	require.NoError(t, repo.MarkDispatched(ctx, old[0], base))
	require.NoError(t, repo.ReleaseLease(ctx, pending[0], base))

	n, err := repo.DeleteDispatchedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = repo.Get(ctx, old[0])
	require.ErrorIs(t, err, ErrNotFound)
	for _, id := range []string{fresh[0], dead[0], pending[0]} {
		_, err := repo.Get(ctx, id)
		require.NoError(t, err)
	}

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[model.OutboxDispatched])
	require.EqualValues(t, 1, counts[model.OutboxDeadLetter])
}
