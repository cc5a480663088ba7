package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmoiron/sqlx"
)

// WorkflowsRepository persists the workflow aggregate. Writes join the
// caller's transaction so they commit together with the outbox records.
type WorkflowsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, w *model.Workflow) error
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, workspaceID int64, id string) (*model.Workflow, error)
	// Update saves w if its stored version is still w.Version and bumps it.
	Update(ctx context.Context, tx *sqlx.Tx, w *model.Workflow) error
	Get(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error)
}

type WorkflowsRepositoryImpl struct {
	db *sqlx.DB
}

func NewWorkflowsRepository(db *sqlx.DB) *WorkflowsRepositoryImpl {
	return &WorkflowsRepositoryImpl{db: db}
}

var _ WorkflowsRepository = (*WorkflowsRepositoryImpl)(nil)

const workflowColumns = `id, workspace_id, name, action_url, status, version, created_at, updated_at`

func (r *WorkflowsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, w *model.Workflow) error {
	if tx == nil {
		return ErrNoTransaction
	}
	const q = `
		INSERT INTO workflows
		    (id, workspace_id, name, action_url, status, version, created_at, updated_at)
		VALUES
		    (:id, :workspace_id, :name, :action_url, :status, :version, :created_at, :updated_at)
	`
	_, err := tx.NamedExecContext(ctx, q, w)
	return err
}

func (r *WorkflowsRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, workspaceID int64, id string) (*model.Workflow, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ? AND workspace_id = ?` + lockForUpdate(tx.DriverName())
	return r.getOne(ctx, tx, tx.Rebind(q), id, workspaceID)
}

func (r *WorkflowsRepositoryImpl) Get(ctx context.Context, workspaceID int64, id string) (*model.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ? AND workspace_id = ?`
	return r.getOne(ctx, r.db, r.db.Rebind(q), id, workspaceID)
}

func (r *WorkflowsRepositoryImpl) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*model.Workflow, error) {
	var w model.Workflow
	err := sqlx.GetContext(ctx, q, &w, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WorkflowsRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, w *model.Workflow) error {
	if tx == nil {
		return ErrNoTransaction
	}
	const q = `
		UPDATE workflows
		   SET name = ?, action_url = ?, status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?
	`
	res, err := tx.ExecContext(ctx, tx.Rebind(q), w.Name, w.ActionURL, w.Status, w.UpdatedAt.UTC(), w.ID, w.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	w.Version++
	return nil
}

// RunsRepository persists runs; status updates come from the run executor.
type RunsRepository interface {
	InsertQueued(ctx context.Context, tx *sqlx.Tx, run *model.Run) error
	BatchUpdateStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.RunStatus, now time.Time) error
	Get(ctx context.Context, id string) (*model.Run, error)
}

type RunsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRunsRepository(db *sqlx.DB) *RunsRepositoryImpl {
	return &RunsRepositoryImpl{db: db}
}

var _ RunsRepository = (*RunsRepositoryImpl)(nil)

func (r *RunsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *RunsRepositoryImpl) InsertQueued(ctx context.Context, tx *sqlx.Tx, run *model.Run) error {
	if tx == nil {
		return ErrNoTransaction
	}
	const q = `
		INSERT INTO runs
		    (id, workflow_id, workspace_id, status, input, created_at, updated_at)
		VALUES
		    (:id, :workflow_id, :workspace_id, :status, :input, :created_at, :updated_at)
	`
	_, err := tx.NamedExecContext(ctx, q, run)
	return err
}

// BatchUpdateStatus updates many runs with one statement. A nil tx runs it in
// its own transaction.
func (r *RunsRepositoryImpl) BatchUpdateStatus(ctx context.Context, tx *sqlx.Tx, ids []string, status model.RunStatus, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const base = `UPDATE runs SET status = ?, updated_at = ? WHERE id IN (?) AND status = 'queued'`
	query, args, err := sqlx.In(base, status, now.UTC(), ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *RunsRepositoryImpl) Get(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	err := r.db.GetContext(ctx, &run, r.db.Rebind(`
		SELECT id, workflow_id, workspace_id, status, input, created_at, updated_at
		  FROM runs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
