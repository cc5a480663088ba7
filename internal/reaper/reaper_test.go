package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/db/dbtest"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmehdipour/flowhub/internal/util"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

var opts = Options{Interval: time.Hour, Retention: 7 * 24 * time.Hour}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, opts.Validate())
	require.Error(t, Options{Interval: time.Hour}.Validate())
	require.Error(t, Options{Retention: time.Hour}.Validate())
	_, err := New(nil, nil, Options{}, nil)
	require.Error(t, err)
}

func TestRunOnceOnlyDeletesOldDispatched(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := repository.NewOutboxRepository(conn)
	ctx := context.Background()

	insert := func(agg string) string {
		tx, err := conn.BeginTxx(ctx, nil)
		require.NoError(t, err)
		id := util.New()
		require.NoError(t, repo.Insert(ctx, tx, model.OutboxRecord{
			ID: id, AggregateID: agg, EventType: "workflow.created", Payload: []byte(`{}`),
			Sequence: 1, Status: model.OutboxPending, CreatedAt: now.Add(-30 * 24 * time.Hour),
		}))
		require.NoError(t, tx.Commit())
		return id
	}
	old := insert("agg-old")
	recent := insert("agg-recent")
	dead := insert("agg-dead")
	pending := insert("agg-pending")

	claimed, err := repo.ClaimBatch(ctx, 4, now.Add(-30*24*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	require.NoError(t, repo.ReleaseLease(ctx, pending, now))
	require.NoError(t, repo.MarkDeadLetter(ctx, dead, "bad"))
	require.NoError(t, repo.MarkDispatched(ctx, old, now.Add(-8*24*time.Hour)))
	require.NoError(t, repo.MarkDispatched(ctx, recent, now.Add(-6*24*time.Hour)))

	before := testutil.ToFloat64(metrics.OutboxReapedTotal)
	r, err := New(repo, clock.NewFake(now), opts, nil)
	require.NoError(t, err)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.OutboxReapedTotal))

	_, err = repo.Get(ctx, old)
	require.ErrorIs(t, err, repository.ErrNotFound)
	for _, id := range []string{recent, dead, pending} {
		_, err := repo.Get(ctx, id)
		require.NoError(t, err)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeStore) DeleteDispatchedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type fakeLock struct {
	acquire  bool
	err      error
	released int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) { return l.acquire, l.err }

func (l *fakeLock) Release(context.Context) error {
	l.released++
	return nil
}

func TestRunOnceSkipsWithoutLock(t *testing.T) {
	store := &fakeStore{}
	lock := &fakeLock{acquire: false}
	r, err := New(store, clock.NewFake(now), opts, nil)
	require.NoError(t, err)
	r.WithLock(lock)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, store.calls())
	require.Zero(t, lock.released)

	lock.acquire = true
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.calls())
	require.Equal(t, 1, lock.released)
	require.Equal(t, now.Add(-opts.Retention), store.cutoffs[0])

	lock.err = errors.New("redis down")
	_, err = r.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, store.calls())
}

func TestRunReapsAtStartAndStops(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	r, err := New(store, clock.NewFake(now), Options{Interval: 10 * time.Millisecond, Retention: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// errors are retried on the next tick
	require.Eventually(t, func() bool { return store.calls() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
