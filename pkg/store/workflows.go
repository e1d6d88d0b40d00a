package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// CreateWorkflowExecution pins an execution to a workflow version and its
// driving job. The first create wins; a replay with the same execution id is
// a no-op and the stored row is returned either way.
func (s *Store) CreateWorkflowExecution(ctx context.Context, we *models.WorkflowExecution) (*models.WorkflowExecution, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (cluster_id, workflow_name, version, execution_id, job_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_id, workflow_name, execution_id) DO NOTHING
	`, we.ClusterID, we.WorkflowName, we.Version, we.ExecutionID, we.JobID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create workflow execution: %w", err)
	}

	stored, err := s.GetWorkflowExecution(ctx, we.ClusterID, we.WorkflowName, we.ExecutionID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() > 0, nil
}

// GetWorkflowExecution retrieves an execution by its natural key.
func (s *Store) GetWorkflowExecution(ctx context.Context, clusterID, workflowName, executionID string) (*models.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cluster_id, workflow_name, version, execution_id, job_id, created_at, updated_at
		FROM workflow_executions
		WHERE cluster_id = $1 AND workflow_name = $2 AND execution_id = $3
	`, clusterID, workflowName, executionID)

	var we models.WorkflowExecution
	err := row.Scan(&we.ClusterID, &we.WorkflowName, &we.Version, &we.ExecutionID,
		&we.JobID, &we.CreatedAt, &we.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}
	return &we, nil
}

// GetWorkflowExecutionByID looks an execution up by execution id alone, for
// callbacks that carry no workflow name.
func (s *Store) GetWorkflowExecutionByID(ctx context.Context, clusterID, executionID string) (*models.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cluster_id, workflow_name, version, execution_id, job_id, created_at, updated_at
		FROM workflow_executions
		WHERE cluster_id = $1 AND execution_id = $2
		ORDER BY created_at
		LIMIT 1
	`, clusterID, executionID)

	var we models.WorkflowExecution
	err := row.Scan(&we.ClusterID, &we.WorkflowName, &we.Version, &we.ExecutionID,
		&we.JobID, &we.CreatedAt, &we.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution by id: %w", err)
	}
	return &we, nil
}

// ResetJobForRetrigger puts a terminal or interrupted workflow job back to
// pending so the handler runs again. Used when an execution is resumed or
// re-triggered; attempts are reset because a re-trigger is a fresh request.
//
// A job that is still running cannot be reset mid-flight. The request is
// recorded on the row instead and consumed when the handler's interrupt
// lands; without the marker a re-trigger arriving in that window would be
// lost and the execution stuck interrupted.
func (s *Store) ResetJobForRetrigger(ctx context.Context, clusterID, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET retrigger_requested = TRUE, updated_at = now()
		WHERE cluster_id = $1 AND id = $2 AND status = 'running'
	`, clusterID, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job for re-trigger: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	tag, err = s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'pending',
			result_type          = NULL,
			result               = NULL,
			executing_machine_id = NULL,
			lease_expires_at     = NULL,
			attempts             = 0,
			retrigger_requested  = FALSE,
			updated_at           = now()
		WHERE cluster_id = $1 AND id = $2 AND status <> 'pending' AND status <> 'running'
	`, clusterID, jobID)
	if err != nil {
		return fmt.Errorf("failed to reset job for re-trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
