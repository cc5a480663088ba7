package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestNewWorkflowStagesCreated(t *testing.T) {
	w := NewWorkflow(7, "nightly", "https://hooks.example.com/run", t0)
	require.Equal(t, WorkflowDraft, w.Status)
	require.EqualValues(t, 1, w.Version)
	require.NotEmpty(t, w.ID)

	events := w.Drain()
	require.Len(t, events, 1)
	require.Equal(t, event.TypeWorkflowCreated, events[0].Type)
	require.Equal(t, w.ID, events[0].AggregateID)
	require.Equal(t, event.WorkflowCreated{WorkspaceID: 7, Name: "nightly", ActionURL: "https://hooks.example.com/run"}, events[0].Payload)

	require.Empty(t, w.Drain())
}

func TestWorkflowLifecycle(t *testing.T) {
	w := NewWorkflow(1, "wf", "https://x", t0)
	w.Drain()

	require.NoError(t, w.Activate(t0.Add(time.Minute)))
	require.NoError(t, w.Pause(t0.Add(2*time.Minute)))
	require.NoError(t, w.Activate(t0.Add(3*time.Minute)))
	require.NoError(t, w.Archive(t0.Add(4*time.Minute)))

	events := w.Drain()
	require.Len(t, events, 4)
	types := []event.Type{events[0].Type, events[1].Type, events[2].Type, events[3].Type}
	require.Equal(t, []event.Type{
		event.TypeWorkflowActivated,
		event.TypeWorkflowPaused,
		event.TypeWorkflowActivated,
		event.TypeWorkflowArchived,
	}, types)
	require.Equal(t, event.WorkflowStatusChanged{WorkspaceID: 1, From: "paused", To: "active"}, events[2].Payload)
	require.Equal(t, t0.Add(4*time.Minute), w.UpdatedAt)
}

func TestWorkflowInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		from WorkflowStatus
		op   func(*Workflow) error
	}{
		{"pause draft", WorkflowDraft, func(w *Workflow) error { return w.Pause(t0) }},
		{"activate active", WorkflowActive, func(w *Workflow) error { return w.Activate(t0) }},
		{"activate archived", WorkflowArchived, func(w *Workflow) error { return w.Activate(t0) }},
		{"archive archived", WorkflowArchived, func(w *Workflow) error { return w.Archive(t0) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &Workflow{ID: "wf", Status: tc.from}
			err := tc.op(w)
			require.ErrorIs(t, err, ErrInvalidTransition)
			require.Equal(t, tc.from, w.Status)
			require.Empty(t, w.Drain())
		})
	}
}

func TestRequestRunRequiresActive(t *testing.T) {
	w := NewWorkflow(3, "wf", "https://x", t0)
	w.Drain()

	_, err := w.RequestRun(json.RawMessage(`{"a":1}`), t0)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, w.Activate(t0))
	w.Drain()

	run, err := w.RequestRun(nil, t0.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, RunQueued, run.Status)
	require.Equal(t, w.ID, run.WorkflowID)
	require.JSONEq(t, `{}`, string(run.Input))

	events := w.Drain()
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(event.RunRequested)
	require.True(t, ok)
	require.Equal(t, run.ID, payload.RunID)
	require.Equal(t, "https://x", payload.ActionURL)
}
