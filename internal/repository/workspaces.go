package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmoiron/sqlx"
)

type WorkspacesRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Workspace, error)
}

type WorkspacesRepositoryImpl struct {
	db *sqlx.DB
}

func NewWorkspacesRepository(db *sqlx.DB) *WorkspacesRepositoryImpl {
	return &WorkspacesRepositoryImpl{db: db}
}

var _ WorkspacesRepository = (*WorkspacesRepositoryImpl)(nil)

// GetByAPIKey returns nil, nil when no workspace owns the key.
func (r *WorkspacesRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Workspace, error) {
	var w model.Workspace
	err := r.db.GetContext(ctx, &w, r.db.Rebind(`
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM workspaces
		 WHERE api_key = ? LIMIT 1
	`), apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
