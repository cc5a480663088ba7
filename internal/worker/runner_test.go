package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/db/dbtest"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/kafka"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mtx       sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mtx.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mtx.Unlock()
		return m, nil
	}
	s.mtx.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, m := range msgs {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *fakeSource) commits() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.committed)
}

type memDedup struct {
	mtx  sync.Mutex
	keys map[string]bool
}

func (d *memDedup) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *memDedup) Del(_ context.Context, keys ...string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, k := range keys {
		delete(d.keys, k)
	}
	return nil
}

func (d *memDedup) has(key string) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.keys[key]
}

type fakeExecutor struct {
	mtx   sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block chan struct{} // when set, Execute signals it and waits for ctx
}

func (e *fakeExecutor) Execute(ctx context.Context, _ string, req RunRequest) error {
	e.mtx.Lock()
	e.calls[req.RunID]++
	fail := e.fail[req.RunID]
	e.mtx.Unlock()

	if e.block != nil {
		close(e.block)
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("action returned 500")
	}
	return nil
}

func (e *fakeExecutor) count(runID string) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.calls[runID]
}

// queueRun stores an active workflow with one queued run and returns the
// run_requested envelope the dispatcher would have sent.
func queueRun(t *testing.T, conn *sqlx.DB, ws int64) (*model.Run, event.Event, []byte) {
	t.Helper()
	ctx := context.Background()

	w := model.NewWorkflow(ws, "wf", "https://hooks.example.com/run", t0)
	require.NoError(t, w.Activate(t0))
	run, err := w.RequestRun(json.RawMessage(`{"n":1}`), t0)
	require.NoError(t, err)
	events := w.Drain()
	ev := events[len(events)-1]

	tx, err := conn.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repository.NewWorkflowsRepository(conn).Insert(ctx, tx, w))
	require.NoError(t, repository.NewRunsRepository(conn).InsertQueued(ctx, tx, run))
	require.NoError(t, tx.Commit())

	body, err := event.Marshal(ev)
	require.NoError(t, err)
	return run, ev, body
}

func newTestRunner(conn *sqlx.DB, src MessageSource, exec Executor, dedup Deduper) *Runner {
	r := NewRunner(conn, src, repository.NewRunsRepository(conn), event.DefaultRegistry(), exec, nil)
	r.Dedup = dedup
	r.Clock = clock.NewFake(t0.Add(time.Minute))
	r.Workers = 3
	r.BatchWait = 20 * time.Millisecond
	return r
}

func TestRunnerExecutesRunsAndRecordsOutcome(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	ws := dbtest.SeedWorkspace(t, conn, "acme", "key")

	okRun, okEvent, okBody := queueRun(t, conn, ws)
	badRun, _, badBody := queueRun(t, conn, ws)

	created, err := event.Marshal(event.New(event.TypeWorkflowCreated, "wf-x", t0, event.WorkflowCreated{WorkspaceID: ws, Name: "x"}))
	require.NoError(t, err)

	src := &fakeSource{msgs: []kafka.Message{
		{Offset: 1, Value: okBody},
		{Offset: 2, Value: badBody},
		{Offset: 3, Value: created},
		{Offset: 4, Value: []byte("{not json")},
		{Offset: 5, Value: okBody},
	}}
	exec := &fakeExecutor{calls: map[string]int{}, fail: map[string]bool{badRun.ID: true}}
	dedup := &memDedup{keys: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestRunner(conn, src, exec, dedup).Run(ctx) }()

	require.Eventually(t, func() bool { return src.commits() == 5 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, 1, exec.count(okRun.ID))
	require.Equal(t, 1, exec.count(badRun.ID))
	require.True(t, dedup.has(dedupKeyPrefix+okEvent.ID))

	runs := repository.NewRunsRepository(conn)
	got, err := runs.Get(context.Background(), okRun.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, got.Status)
	require.Equal(t, t0.Add(time.Minute), got.UpdatedAt.UTC())

	got, err = runs.Get(context.Background(), badRun.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, got.Status)
}

func TestRunnerLeavesInterruptedRunForRedelivery(t *testing.T) {
	conn := dbtest.NewSQLite(t)
	ws := dbtest.SeedWorkspace(t, conn, "acme", "key")
	run, ev, body := queueRun(t, conn, ws)

	src := &fakeSource{msgs: []kafka.Message{{Offset: 9, Value: body}}}
	started := make(chan struct{})
	exec := &fakeExecutor{calls: map[string]int{}, block: started}
	dedup := &memDedup{keys: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestRunner(conn, src, exec, dedup).Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	require.Zero(t, src.commits())
	require.False(t, dedup.has(dedupKeyPrefix+ev.ID))

	got, err := repository.NewRunsRepository(conn).Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunQueued, got.Status)
}

func TestRunnerRequiresDependencies(t *testing.T) {
	r := &Runner{}
	require.Error(t, r.Run(context.Background()))
}
