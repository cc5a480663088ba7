package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorderDrainReturnsEventsInRaiseOrder(t *testing.T) {
	var r Recorder
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := New(TypeWorkflowCreated, "wf-1", now, WorkflowCreated{Name: "a"})
	second := New(TypeWorkflowActivated, "wf-1", now, WorkflowStatusChanged{From: "draft", To: "active"})
	r.Record(first)
	r.Record(second)
	require.Equal(t, 2, r.Len())

	got := r.Drain()
	require.Len(t, got, 2)
	require.Equal(t, first.ID, got[0].ID)
	require.Equal(t, second.ID, got[1].ID)
	require.Zero(t, r.Len())
}

func TestRecorderDrainOnEmptyBuffer(t *testing.T) {
	var r Recorder
	require.Empty(t, r.Drain())

	r.Record(New(TypeWorkflowPaused, "wf-1", time.Now(), WorkflowStatusChanged{}))
	require.Len(t, r.Drain(), 1)
	require.Empty(t, r.Drain())
}

func TestNewNormalizesToUTCAndAssignsUniqueIDs(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	at := time.Date(2026, 3, 1, 15, 0, 0, 0, loc)

	a := New(TypeWorkflowCreated, "wf-1", at, WorkflowCreated{})
	b := New(TypeWorkflowCreated, "wf-1", at, WorkflowCreated{})

	require.Equal(t, time.UTC, a.OccurredOn.Location())
	require.True(t, a.OccurredOn.Equal(at))
	require.NotEqual(t, a.ID, b.ID)
	require.Less(t, a.ID, b.ID)
}
