package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusPaused  RunStatus = "paused"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the run can advance no further without external input.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// RunType distinguishes one-shot completions from multi-step agent sessions.
type RunType string

const (
	RunTypeSingleStep RunType = "single-step"
	RunTypeMultiStep  RunType = "multi-step"
)

// RunIDPattern constrains caller-supplied run ids.
var RunIDPattern = regexp.MustCompile(`^[0-9A-Za-z-_.]{4,128}$`)

// ValidRunID reports whether id is acceptable as a caller-supplied run id.
func ValidRunID(id string) bool {
	return RunIDPattern.MatchString(id)
}

// Run is an LLM-driven session: a state machine over messages and tool jobs.
type Run struct {
	ID                    string            `json:"id"`
	ClusterID             string            `json:"clusterId"`
	Type                  RunType           `json:"type"`
	Status                RunStatus         `json:"status"`
	SystemPrompt          *string           `json:"systemPrompt,omitempty"`
	InitialPrompt         *string           `json:"initialPrompt,omitempty"`
	ResultSchema          json.RawMessage   `json:"resultSchema,omitempty"`
	Tools                 []string          `json:"tools,omitempty"`
	Context               json.RawMessage   `json:"context,omitempty"`
	AuthContext           json.RawMessage   `json:"authContext,omitempty"`
	Tags                  map[string]string `json:"tags,omitempty"`
	Interactive           bool              `json:"interactive"`
	ReasoningTraces       bool              `json:"reasoningTraces"`
	EnableResultGrounding bool              `json:"enableResultGrounding"`
	OnStatusChange        *OnStatusChange   `json:"onStatusChange,omitempty"`
	WorkflowExecutionID   *string           `json:"workflowExecutionId,omitempty"`
	FeedbackScore         *float64          `json:"feedbackScore,omitempty"`
	FeedbackComment       *string           `json:"feedbackComment,omitempty"`
	FailureReason         *string           `json:"failureReason,omitempty"`
	Result                json.RawMessage   `json:"result,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}
