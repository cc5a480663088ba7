package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/outbox"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Service runs workflow use cases. Each mutation persists the aggregate and
// its outbox records in one transaction, then nudges the dispatchers.
type Service struct {
	db        *sqlx.DB
	workflows repository.WorkflowsRepository
	runs      repository.RunsRepository
	publisher *outbox.Publisher
	notifier  outbox.Notifier
	clock     clock.Clock
	log       *zap.Logger
}

func New(
	db *sqlx.DB,
	workflowsRepo repository.WorkflowsRepository,
	runsRepo repository.RunsRepository,
	publisher *outbox.Publisher,
	notifier outbox.Notifier,
	clk clock.Clock,
	log *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		db:        db,
		workflows: workflowsRepo,
		runs:      runsRepo,
		publisher: publisher,
		notifier:  notifier,
		clock:     clk,
		log:       logger.OrNop(log),
	}
}

// Create stores a draft workflow and its workflow.created event.
func (s *Service) Create(ctx context.Context, workspaceID int64, name, actionURL string) (*model.Workflow, error) {
	w := model.NewWorkflow(workspaceID, name, actionURL, s.clock.Now())

	err := s.inTx(ctx, func(tx *sqlx.Tx) (int, error) {
		if err := s.workflows.Insert(ctx, tx, w); err != nil {
			return 0, fmt.Errorf("insert workflow: %w", err)
		}
		return s.publisher.Flush(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error) {
	return s.workflows.Get(ctx, workspaceID, id)
}

func (s *Service) Activate(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error) {
	return s.mutate(ctx, workspaceID, id, (*model.Workflow).Activate)
}

func (s *Service) Pause(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error) {
	return s.mutate(ctx, workspaceID, id, (*model.Workflow).Pause)
}

func (s *Service) Archive(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error) {
	return s.mutate(ctx, workspaceID, id, (*model.Workflow).Archive)
}

// RequestRun queues a run of an active workflow and raises run_requested.
func (s *Service) RequestRun(ctx context.Context, workspaceID int64, id string, input json.RawMessage) (*model.Run, error) {
	var run *model.Run
	_, err := s.mutate(ctx, workspaceID, id, func(w *model.Workflow, now time.Time) error {
		r, err := w.RequestRun(input, now)
		if err != nil {
			return err
		}
		run = r
		return nil
	}, func(ctx context.Context, tx *sqlx.Tx) error {
		return s.runs.InsertQueued(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// mutate loads the workflow under lock, applies change, saves it with a
// version check and flushes its events. extra runs inside the same
// transaction after the aggregate is saved.
func (s *Service) mutate(
	ctx context.Context,
	workspaceID int64,
	id string,
	change func(*model.Workflow, time.Time) error,
	extra ...func(context.Context, *sqlx.Tx) error,
) (*model.Workflow, error) {
	var w *model.Workflow
	err := s.inTx(ctx, func(tx *sqlx.Tx) (int, error) {
		var err error
		w, err = s.workflows.GetForUpdate(ctx, tx, workspaceID, id)
		if err != nil {
			return 0, err
		}
		if err := change(w, s.clock.Now()); err != nil {
			return 0, err
		}
		if err := s.workflows.Update(ctx, tx, w); err != nil {
			return 0, err
		}
		for _, fn := range extra {
			if err := fn(ctx, tx); err != nil {
				return 0, err
			}
		}
		return s.publisher.Flush(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// inTx commits only if fn succeeds. When fn wrote outbox records the notifier
// is poked after commit; a failed poke only delays delivery to the next poll.
func (s *Service) inTx(ctx context.Context, fn func(*sqlx.Tx) (int, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	staged, err := fn(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if staged > 0 && s.notifier != nil {
		if err := s.notifier.Notify(ctx); err != nil {
			s.log.Warn("outbox notify failed", zap.Error(err))
		}
	}
	return nil
}
