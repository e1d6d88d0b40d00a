package models

import (
	"fmt"
	"regexp"
	"time"
)

// WorkflowExecution pins one orchestration of a named, versioned workflow.
// Keyed by (ClusterID, WorkflowName, ExecutionID); the first create wins and
// the version is part of the row, so a redeploy mid-execution never switches
// an execution to a different handler version.
type WorkflowExecution struct {
	ClusterID    string    `json:"clusterId"`
	WorkflowName string    `json:"workflowName"`
	Version      int       `json:"version"`
	ExecutionID  string    `json:"executionId"`
	JobID        string    `json:"jobId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WorkflowToolName is the private tool a workflow handler registers as.
func WorkflowToolName(name string, version int) string {
	return fmt.Sprintf("workflows_%s_%d", name, version)
}

var workflowToolPattern = regexp.MustCompile(`^workflows_[A-Za-z0-9]{1,30}_[0-9]+$`)

// ValidWorkflowToolName reports whether name is a generated workflow tool
// name. These carry underscores and are exempt from the plain tool name rule.
func ValidWorkflowToolName(name string) bool {
	return workflowToolPattern.MatchString(name)
}

// KVConflictPolicy selects behavior when a memo key already holds a value.
type KVConflictPolicy string

const (
	KVConflictReplace   KVConflictPolicy = "replace"
	KVConflictDoNothing KVConflictPolicy = "doNothing"
)
