package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

const runColumns = `
	id, cluster_id, type, status, system_prompt, initial_prompt, result_schema,
	tools, context, auth_context, tags, interactive, reasoning_traces,
	enable_result_grounding, on_status_change, workflow_execution_id,
	feedback_score, feedback_comment, failure_reason, result,
	created_at, updated_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var toolsJSON []byte
	var tagsJSON, oscJSON []byte
	if err := row.Scan(&r.ID, &r.ClusterID, &r.Type, &r.Status,
		&r.SystemPrompt, &r.InitialPrompt, &r.ResultSchema,
		&toolsJSON, &r.Context, &r.AuthContext, &tagsJSON,
		&r.Interactive, &r.ReasoningTraces, &r.EnableResultGrounding,
		&oscJSON, &r.WorkflowExecutionID,
		&r.FeedbackScore, &r.FeedbackComment, &r.FailureReason, &r.Result,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(toolsJSON, &r.Tools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run tools: %w", err)
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run tags: %w", err)
		}
	}
	if len(oscJSON) > 0 {
		if err := json.Unmarshal(oscJSON, &r.OnStatusChange); err != nil {
			return nil, fmt.Errorf("failed to unmarshal on-status-change: %w", err)
		}
	}
	return &r, nil
}

// CreateRun inserts a run. Run ids may be caller-supplied for idempotency, so
// a duplicate insert is a no-op and the stored row wins. The returned bool is
// true when the row was actually inserted.
func (s *Store) CreateRun(ctx context.Context, r *models.Run) (bool, error) {
	toolsJSON, err := json.Marshal(r.Tools)
	if err != nil {
		return false, fmt.Errorf("failed to marshal run tools: %w", err)
	}
	var tagsJSON, oscJSON []byte
	if r.Tags != nil {
		if tagsJSON, err = json.Marshal(r.Tags); err != nil {
			return false, fmt.Errorf("failed to marshal run tags: %w", err)
		}
	}
	if r.OnStatusChange != nil {
		if oscJSON, err = json.Marshal(r.OnStatusChange); err != nil {
			return false, fmt.Errorf("failed to marshal on-status-change: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, cluster_id, type, status, system_prompt, initial_prompt,
		                  result_schema, tools, context, auth_context, tags, interactive,
		                  reasoning_traces, enable_result_grounding, on_status_change,
		                  workflow_execution_id)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (cluster_id, id) DO NOTHING
	`, r.ID, r.ClusterID, r.Type, r.SystemPrompt, r.InitialPrompt,
		nullableJSON(r.ResultSchema), toolsJSON, nullableJSON(r.Context),
		nullableJSON(r.AuthContext), nullableBytes(tagsJSON), r.Interactive,
		r.ReasoningTraces, r.EnableResultGrounding, nullableBytes(oscJSON),
		r.WorkflowExecutionID)
	if err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRun retrieves a run scoped to its cluster.
func (s *Store) GetRun(ctx context.Context, clusterID, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE cluster_id = $1 AND id = $2`,
		clusterID, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a cluster's runs, newest first. When tagKey is non-empty
// only runs carrying that tag with tagValue are returned.
func (s *Store) ListRuns(ctx context.Context, clusterID string, tagKey, tagValue string, limit int) ([]models.Run, error) {
	var rows pgx.Rows
	var err error
	if tagKey != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE cluster_id = $1 AND tags ->> $2 = $3
			ORDER BY created_at DESC
			LIMIT $4
		`, clusterID, tagKey, tagValue, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE cluster_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, clusterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions a run's status, optionally recording a failure
// reason or final result. Transitions out of a terminal status are refused.
func (s *Store) UpdateRunStatus(ctx context.Context, clusterID, runID string,
	status models.RunStatus, failureReason *string, result json.RawMessage) (*models.Run, error) {

	row := s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status         = $3,
			failure_reason = COALESCE($4, failure_reason),
			result         = COALESCE($5, result),
			updated_at     = now()
		WHERE cluster_id = $1 AND id = $2 AND status NOT IN ('done', 'failed')
		RETURNING `+runColumns,
		clusterID, runID, status, failureReason, nullableJSON(result))
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}
	return r, nil
}

// TryAcquireRunStep flips the run's executing flag, returning false when some
// other worker already holds it. This keeps at most one agent loop per run.
func (s *Store) TryAcquireRunStep(ctx context.Context, clusterID, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET executing = TRUE, updated_at = now()
		WHERE cluster_id = $1 AND id = $2 AND executing = FALSE
		  AND status NOT IN ('done', 'failed')
	`, clusterID, runID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire run step: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseRunStep clears the executing flag.
func (s *Store) ReleaseRunStep(ctx context.Context, clusterID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET executing = FALSE, updated_at = now()
		WHERE cluster_id = $1 AND id = $2
	`, clusterID, runID)
	if err != nil {
		return fmt.Errorf("failed to release run step: %w", err)
	}
	return nil
}

// SetRunFeedback attaches a caller score and comment to a run.
func (s *Store) SetRunFeedback(ctx context.Context, clusterID, runID string, score float64, comment *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET feedback_score = $3, feedback_comment = $4, updated_at = now()
		WHERE cluster_id = $1 AND id = $2
	`, clusterID, runID, score, comment)
	if err != nil {
		return fmt.Errorf("failed to set run feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
