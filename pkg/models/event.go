package models

import (
	"encoding/json"
	"time"
)

// Event is one row of the append-only audit log.
type Event struct {
	ID        string          `json:"id"`
	ClusterID string          `json:"clusterId"`
	Type      string          `json:"type"`
	JobID     *string         `json:"jobId,omitempty"`
	MachineID *string         `json:"machineId,omitempty"`
	RunID     *string         `json:"runId,omitempty"`
	TargetFn  *string         `json:"targetFn,omitempty"`
	Status    *string         `json:"status,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Well-known event types.
const (
	EventTypeJobCreated       = "job.created"
	EventTypeJobAcknowledged  = "job.acknowledged"
	EventTypeJobResult        = "job.result"
	EventTypeJobStalled       = "job.stalled"
	EventTypeJobRecovered     = "job.recovered"
	EventTypeApprovalRequested = "job.approval-requested"
	EventTypeApprovalGranted  = "job.approval-granted"
	EventTypeApprovalDenied   = "job.approval-denied"
	EventTypeRunStatusChanged = "run.status-changed"
	EventTypeMachinePing      = "machine.ping"
	EventTypeNotificationSent = "notification.sent"
	EventTypeNotificationFailed = "notification.failed"
)

// EventFilter selects events when listing the audit log.
type EventFilter struct {
	JobID     *string
	MachineID *string
	RunID     *string
	Type      *string
	TargetFn  *string
	Status    *string
	Limit     int
}
