package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/util"
)

var ErrInvalidTransition = errors.New("invalid workflow transition")

type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

func (s WorkflowStatus) String() string { return string(s) }

// Workflow is the aggregate root. State changes go through its methods, which
// stage domain events in a private buffer; the owning use case drains them
// into the outbox inside the same transaction.
type Workflow struct {
	ID          string         `db:"id" json:"id"`
	WorkspaceID int64          `db:"workspace_id" json:"workspace_id"`
	Name        string         `db:"name" json:"name"`
	ActionURL   string         `db:"action_url" json:"action_url"`
	Status      WorkflowStatus `db:"status" json:"status"`
	Version     int64          `db:"version" json:"version"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`

	events event.Recorder `db:"-"`
}

// NewWorkflow builds a draft workflow and stages workflow.created.
func NewWorkflow(workspaceID int64, name, actionURL string, now time.Time) *Workflow {
	now = now.UTC()
	w := &Workflow{
		ID:          util.NewAt(now),
		WorkspaceID: workspaceID,
		Name:        name,
		ActionURL:   actionURL,
		Status:      WorkflowDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.events.Record(event.New(event.TypeWorkflowCreated, w.ID, now, event.WorkflowCreated{
		WorkspaceID: workspaceID,
		Name:        name,
		ActionURL:   actionURL,
	}))
	return w
}

func (w *Workflow) AggregateID() string { return w.ID }

// Drain hands over the staged events and empties the buffer.
func (w *Workflow) Drain() []event.Event { return w.events.Drain() }

func (w *Workflow) Activate(now time.Time) error {
	if w.Status != WorkflowDraft && w.Status != WorkflowPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, WorkflowActive)
	}
	w.transition(WorkflowActive, event.TypeWorkflowActivated, now)
	return nil
}

func (w *Workflow) Pause(now time.Time) error {
	if w.Status != WorkflowActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, WorkflowPaused)
	}
	w.transition(WorkflowPaused, event.TypeWorkflowPaused, now)
	return nil
}

func (w *Workflow) Archive(now time.Time) error {
	if w.Status == WorkflowArchived {
		return fmt.Errorf("%w: already archived", ErrInvalidTransition)
	}
	w.transition(WorkflowArchived, event.TypeWorkflowArchived, now)
	return nil
}

// RequestRun stages a run_requested event for an active workflow and returns
// the queued run that the caller persists in the same transaction.
func (w *Workflow) RequestRun(input json.RawMessage, now time.Time) (*Run, error) {
	if w.Status != WorkflowActive {
		return nil, fmt.Errorf("%w: run requested on %s workflow", ErrInvalidTransition, w.Status)
	}
	now = now.UTC()
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	run := &Run{
		ID:          util.NewAt(now),
		WorkflowID:  w.ID,
		WorkspaceID: w.WorkspaceID,
		Status:      RunQueued,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.UpdatedAt = now
	w.events.Record(event.New(event.TypeRunRequested, w.ID, now, event.RunRequested{
		WorkspaceID: w.WorkspaceID,
		RunID:       run.ID,
		ActionURL:   w.ActionURL,
		Input:       input,
	}))
	return run, nil
}

func (w *Workflow) transition(to WorkflowStatus, t event.Type, now time.Time) {
	now = now.UTC()
	from := w.Status
	w.Status = to
	w.UpdatedAt = now
	w.events.Record(event.New(t, w.ID, now, event.WorkflowStatusChanged{
		WorkspaceID: w.WorkspaceID,
		From:        string(from),
		To:          string(to),
	}))
}
