package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states. pending → running → (success|failure|interrupted|stalled).
// A stalled job returns to pending while retries remain, otherwise it becomes
// a terminal failure.
const (
	JobStatusPending     JobStatus = "pending"
	JobStatusRunning     JobStatus = "running"
	JobStatusSuccess     JobStatus = "success"
	JobStatusFailure     JobStatus = "failure"
	JobStatusStalled     JobStatus = "stalled"
	JobStatusInterrupted JobStatus = "interrupted"
)

// Terminal reports whether the status admits no further transitions.
// Interrupted is not terminal: an approval decision moves the job back to
// pending or to failure.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// JobResultType classifies a submitted job result.
type JobResultType string

const (
	ResultTypeResolution JobResultType = "resolution"
	ResultTypeRejection  JobResultType = "rejection"
	ResultTypeInterrupt  JobResultType = "interrupt"
)

// DefaultJobTimeoutSeconds is the lease length applied when a tool declares
// no timeout of its own.
const DefaultJobTimeoutSeconds = 30

// Job is a single invocation of a tool with durable state.
type Job struct {
	ID                  string          `json:"id"`
	ClusterID           string          `json:"clusterId"`
	RunID               *string         `json:"runId,omitempty"`
	WorkflowExecutionID *string         `json:"workflowExecutionId,omitempty"`
	TargetFn            string          `json:"targetFn"`
	TargetArgs          json.RawMessage `json:"targetArgs"`
	Status              JobStatus       `json:"status"`
	ResultType          *JobResultType  `json:"resultType,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	Approved            *bool           `json:"approved,omitempty"`
	ApprovalRequested   bool            `json:"approvalRequested"`
	ExecutingMachineID  *string         `json:"executingMachineId,omitempty"`
	Attempts            int             `json:"attempts"`
	MaxAttempts         int             `json:"maxAttempts"`
	CacheKey            *string         `json:"cacheKey,omitempty"`
	TimeoutSeconds      int             `json:"timeoutSeconds"`
	LeaseExpiresAt      *time.Time      `json:"leaseExpiresAt,omitempty"`
	AuthContext         json.RawMessage `json:"authContext,omitempty"`
	RunContext          json.RawMessage `json:"runContext,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// InterruptType distinguishes the two interrupt kinds a tool result can carry.
type InterruptType string

const (
	InterruptTypeApproval InterruptType = "approval"
	InterruptTypeGeneral  InterruptType = "general"
)

// InterruptSentinelKey is the wire marker: a tool result value is an interrupt
// iff it is an object containing this key.
const InterruptSentinelKey = "__inferable_interrupt"

// Interrupt is the decoded payload under the sentinel key.
type Interrupt struct {
	Type         InterruptType   `json:"type"`
	Notification json.RawMessage `json:"notification,omitempty"`
}

// ParseInterrupt inspects a raw result value for the interrupt sentinel.
// It returns nil when the value is not an interrupt.
func ParseInterrupt(result json.RawMessage) *Interrupt {
	if len(result) == 0 {
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil
	}
	raw, ok := envelope[InterruptSentinelKey]
	if !ok {
		return nil
	}
	var intr Interrupt
	if err := json.Unmarshal(raw, &intr); err != nil {
		return nil
	}
	if intr.Type != InterruptTypeApproval && intr.Type != InterruptTypeGeneral {
		return nil
	}
	return &intr
}
