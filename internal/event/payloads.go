package event

import "encoding/json"

type WorkflowCreated struct {
	WorkspaceID int64  `json:"workspace_id"`
	Name        string `json:"name"`
	ActionURL   string `json:"action_url"`
}

// WorkflowStatusChanged backs activated, paused and archived events.
type WorkflowStatusChanged struct {
	WorkspaceID int64  `json:"workspace_id"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type RunRequested struct {
	WorkspaceID int64           `json:"workspace_id"`
	RunID       string          `json:"run_id"`
	ActionURL   string          `json:"action_url"`
	Input       json.RawMessage `json:"input,omitempty"`
}
