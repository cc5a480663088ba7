package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/db/dbtest"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type source struct {
	id  string
	rec event.Recorder
}

func (s *source) AggregateID() string  { return s.id }
func (s *source) Drain() []event.Event { return s.rec.Drain() }

func newSource(id string, payloads ...any) *source {
	s := &source{id: id}
	for _, p := range payloads {
		s.rec.Record(event.New(event.TypeWorkflowCreated, id, now, p))
	}
	return s
}

func TestFlushRequiresTransaction(t *testing.T) {
	p := NewPublisher(repository.NewOutboxRepository(dbtest.NewSQLite(t)), clock.NewFake(now), nil)
	src := newSource("wf-1", event.WorkflowCreated{Name: "a"})

	_, err := p.Flush(context.Background(), nil, src)
	require.ErrorIs(t, err, repository.ErrNoTransaction)
	// events stay buffered for a retry with a real transaction
	require.Equal(t, 1, src.rec.Len())
}

func TestFlushWritesPendingRecordsInOrder(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := repository.NewOutboxRepository(conn)
	p := NewPublisher(repo, clock.NewFake(now), nil)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.EventsRecordedTotal.WithLabelValues("workflow.created"))

	for round := 0; round < 2; round++ {
		src := newSource("wf-1", event.WorkflowCreated{Name: "a"}, event.WorkflowCreated{Name: "b"})
		tx, err := conn.BeginTxx(ctx, nil)
		require.NoError(t, err)
		n, err := p.Flush(ctx, tx, src)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.NoError(t, tx.Commit())
	}

	require.Equal(t, before+4, testutil.ToFloat64(metrics.EventsRecordedTotal.WithLabelValues("workflow.created")))

	claimed, err := repo.ClaimBatch(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	for i, rec := range claimed {
		require.EqualValues(t, i+1, rec.Sequence)
		require.Equal(t, "wf-1", rec.AggregateID)
		require.True(t, rec.CreatedAt.Equal(now))

		var env event.Envelope
		require.NoError(t, json.Unmarshal(rec.Payload, &env))
		require.Equal(t, event.TypeWorkflowCreated, env.EventType)
		require.Equal(t, "wf-1", env.AggregateID)
	}
}

func TestFlushEmptySourceWritesNothing(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	p := NewPublisher(repository.NewOutboxRepository(conn), clock.NewFake(now), nil)

	tx, err := conn.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	n, err := p.Flush(context.Background(), tx, newSource("wf-1"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFlushSerializeFailureInsertsNothing(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	repo := repository.NewOutboxRepository(conn)
	p := NewPublisher(repo, clock.NewFake(now), nil)
	ctx := context.Background()

	src := newSource("wf-1", event.WorkflowCreated{Name: "ok"}, map[string]any{"bad": make(chan int)})

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = p.Flush(ctx, tx, src)
	require.ErrorIs(t, err, ErrSerialize)
	require.NoError(t, tx.Rollback())

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[model.OutboxPending])
}

func TestLocalNotifierCoalesces(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	wake := n.Listen(ctx)

	require.NoError(t, n.Notify(ctx))
	require.NoError(t, n.Notify(ctx))

	select {
	case <-wake:
	default:
		t.Fatal("expected a wake-up")
	}
	select {
	case <-wake:
		t.Fatal("notifications should coalesce")
	default:
	}
}
