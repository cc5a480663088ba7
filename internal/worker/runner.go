package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/kafka"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/metrics"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// MessageSource is the subset of kafka.Consumer the runner needs.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Deduper remembers handled event ids. *db.RedisStore satisfies it.
type Deduper interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Runner consumes the workflow events topic and executes requested runs:
//   - fetches envelopes from Kafka,
//   - drops redeliveries it has already seen,
//   - calls the action URL,
//   - batches run status updates into one transaction per flush.
type Runner struct {
	DB       *sqlx.DB
	Consumer MessageSource
	Runs     repository.RunsRepository
	Registry *event.Registry
	Executor Executor
	Dedup    Deduper // optional
	Clock    clock.Clock
	Log      *zap.Logger

	Workers   int
	BatchSize int
	BatchWait time.Duration
	DedupTTL  time.Duration
}

func NewRunner(
	db *sqlx.DB,
	consumer MessageSource,
	runsRepo repository.RunsRepository,
	registry *event.Registry,
	executor Executor,
	log *zap.Logger,
) *Runner {
	return &Runner{
		DB:        db,
		Consumer:  consumer,
		Runs:      runsRepo,
		Registry:  registry,
		Executor:  executor,
		Clock:     clock.Real{},
		Log:       logger.OrNop(log),
		Workers:   8,
		BatchSize: 200,
		BatchWait: 300 * time.Millisecond,
		DedupTTL:  24 * time.Hour,
	}
}

const dedupKeyPrefix = "flowhub:runner:event:"

type runUpdate struct {
	id     string
	status model.RunStatus
}

// Run blocks until ctx is cancelled, then drains in-flight work and flushes
// buffered updates before returning.
func (w *Runner) Run(ctx context.Context) error {
	if w.DB == nil || w.Consumer == nil || w.Runs == nil || w.Registry == nil || w.Executor == nil {
		return errors.New("runner: missing dependency")
	}
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 200
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 300 * time.Millisecond
	}
	if w.Clock == nil {
		w.Clock = clock.Real{}
	}
	w.Log = logger.OrNop(w.Log)

	updates := make(chan runUpdate, w.BatchSize*2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w.runBatchWriter(ctx, updates)
	}()

	msgCh := make(chan kafka.Message, w.Workers*2)
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m, updates)
			}
		}()
	}

	wg.Wait()
	close(updates)
	<-writerDone
	return nil
}

func (w *Runner) processOne(ctx context.Context, m kafka.Message, out chan<- runUpdate) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(m.Value, &head); err != nil {
		w.skip(ctx, m, "bad envelope json", err)
		return
	}
	if head.EventType != string(event.TypeRunRequested) {
		w.commit(ctx, m)
		return
	}

	ev, err := w.Registry.Decode(head.EventType, m.Value)
	if err != nil {
		w.skip(ctx, m, "undecodable run request", err)
		return
	}
	req, ok := ev.Payload.(*event.RunRequested)
	if !ok || req.RunID == "" {
		w.skip(ctx, m, "run request without run id", nil)
		return
	}
	log := w.Log.With(zap.String("event_id", ev.ID), zap.String("run_id", req.RunID))

	key := dedupKeyPrefix + ev.ID
	if w.Dedup != nil {
		fresh, err := w.Dedup.SetNX(ctx, key, req.RunID, w.DedupTTL)
		switch {
		case err != nil:
			log.Warn("dedup check failed, executing anyway", zap.Error(err))
		case !fresh:
			metrics.RunsTotal.WithLabelValues("duplicate").Inc()
			w.commit(ctx, m)
			return
		}
	}

	err = w.Executor.Execute(ctx, req.ActionURL, RunRequest{
		RunID:       req.RunID,
		WorkflowID:  ev.AggregateID,
		WorkspaceID: req.WorkspaceID,
		Input:       req.Input,
	})
	if err != nil && ctx.Err() != nil {
		// interrupted by shutdown: leave the offset so the run is redelivered
		if w.Dedup != nil {
			_ = w.Dedup.Del(context.WithoutCancel(ctx), key)
		}
		return
	}

	status := model.RunSucceeded
	if err != nil {
		status = model.RunFailed
		log.Warn("run failed", zap.String("action_url", req.ActionURL), zap.Error(err))
	}
	metrics.RunsTotal.WithLabelValues(status.String()).Inc()
	out <- runUpdate{id: req.RunID, status: status}

	// at-least-once: status updates only move queued runs, so a replay is harmless
	w.commit(ctx, m)
}

func (w *Runner) skip(ctx context.Context, m kafka.Message, reason string, err error) {
	w.Log.Warn("skipping poison message",
		zap.String("reason", reason),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.Error(err),
	)
	w.commit(ctx, m)
}

func (w *Runner) commit(ctx context.Context, m kafka.Message) {
	if err := w.Consumer.Commit(context.WithoutCancel(ctx), m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Error(err))
	}
}

// runBatchWriter flushes on size, on tick and once more when in closes.
func (w *Runner) runBatchWriter(ctx context.Context, in <-chan runUpdate) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var succeeded, failed []string
	flush := func() {
		if len(succeeded) == 0 && len(failed) == 0 {
			return
		}
		if err := w.flush(context.WithoutCancel(ctx), succeeded, failed); err != nil {
			w.Log.Error("run status flush failed",
				zap.Int("succeeded", len(succeeded)), zap.Int("failed", len(failed)), zap.Error(err))
		} else {
			w.Log.Debug("run status flushed",
				zap.Int("succeeded", len(succeeded)), zap.Int("failed", len(failed)))
		}
		succeeded, failed = succeeded[:0], failed[:0]
	}

	for {
		select {
		case u, ok := <-in:
			if !ok {
				flush()
				return
			}
			if u.status == model.RunSucceeded {
				succeeded = append(succeeded, u.id)
			} else {
				failed = append(failed, u.id)
			}
			if len(succeeded)+len(failed) >= w.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

func (w *Runner) flush(ctx context.Context, succeeded, failed []string) error {
	now := w.Clock.Now()
	tx, err := w.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := w.Runs.BatchUpdateStatus(ctx, tx, succeeded, model.RunSucceeded, now); err != nil {
		return err
	}
	if err := w.Runs.BatchUpdateStatus(ctx, tx, failed, model.RunFailed, now); err != nil {
		return err
	}
	return tx.Commit()
}
