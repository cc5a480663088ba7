package model

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) String() string { return string(s) }

func (s RunStatus) Valid() bool {
	return s == RunQueued || s == RunSucceeded || s == RunFailed
}

// Run is a single requested execution of a workflow.
type Run struct {
	ID          string          `db:"id" json:"id"`
	WorkflowID  string          `db:"workflow_id" json:"workflow_id"`
	WorkspaceID int64           `db:"workspace_id" json:"workspace_id"`
	Status      RunStatus       `db:"status" json:"status"`
	Input       json.RawMessage `db:"input" json:"input,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
