package models

import (
	"encoding/json"
	"fmt"
)

// OnStatusChangeType tags the notification target variant.
type OnStatusChangeType string

const (
	OnStatusChangeFunction OnStatusChangeType = "function"
	OnStatusChangeTool     OnStatusChangeType = "tool"
	OnStatusChangeWebhook  OnStatusChangeType = "webhook"
	OnStatusChangeWorkflow OnStatusChangeType = "workflow"
)

// OnStatusChange is the normalized tagged union describing where to deliver
// run status transitions. Statuses is the subset of run states that trigger
// delivery; empty means the terminal states (done, failed).
type OnStatusChange struct {
	Type     OnStatusChangeType         `json:"type"`
	Statuses []RunStatus                `json:"statuses,omitempty"`
	Function *string                    `json:"function,omitempty"`
	Tool     *string                    `json:"tool,omitempty"`
	URL      *string                    `json:"url,omitempty"`
	Workflow *OnStatusChangeWorkflowRef `json:"workflow,omitempty"`
}

// OnStatusChangeWorkflowRef points back at the workflow execution awaiting
// this run.
type OnStatusChangeWorkflowRef struct {
	ExecutionID string `json:"executionId"`
}

// Validate checks the variant payload matches the tag.
func (o *OnStatusChange) Validate() error {
	switch o.Type {
	case OnStatusChangeFunction:
		if o.Function == nil || *o.Function == "" {
			return fmt.Errorf("onStatusChange: function target is required")
		}
	case OnStatusChangeTool:
		if o.Tool == nil || *o.Tool == "" {
			return fmt.Errorf("onStatusChange: tool target is required")
		}
	case OnStatusChangeWebhook:
		if o.URL == nil || *o.URL == "" {
			return fmt.Errorf("onStatusChange: url is required")
		}
	case OnStatusChangeWorkflow:
		if o.Workflow == nil || o.Workflow.ExecutionID == "" {
			return fmt.Errorf("onStatusChange: workflow executionId is required")
		}
	default:
		return fmt.Errorf("onStatusChange: unknown type %q", o.Type)
	}
	for _, s := range o.Statuses {
		switch s {
		case RunStatusPending, RunStatusRunning, RunStatusPaused, RunStatusDone, RunStatusFailed:
		default:
			return fmt.Errorf("onStatusChange: unknown status %q", s)
		}
	}
	return nil
}

// Fires reports whether a transition into status should be delivered.
func (o *OnStatusChange) Fires(status RunStatus) bool {
	if len(o.Statuses) == 0 {
		return status.Terminal()
	}
	for _, s := range o.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// RunSummary is the notification body delivered on a status change.
type RunSummary struct {
	RunID  string            `json:"runId"`
	Status RunStatus         `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}
