package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

const jobColumns = `
	id, cluster_id, run_id, workflow_execution_id, target_fn, target_args,
	status, result_type, result, approved, approval_requested,
	executing_machine_id, attempts, max_attempts, cache_key, timeout_seconds,
	lease_expires_at, auth_context, run_context, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.ClusterID, &j.RunID, &j.WorkflowExecutionID,
		&j.TargetFn, &j.TargetArgs, &j.Status, &j.ResultType, &j.Result,
		&j.Approved, &j.ApprovalRequested, &j.ExecutingMachineID,
		&j.Attempts, &j.MaxAttempts, &j.CacheKey, &j.TimeoutSeconds,
		&j.LeaseExpiresAt, &j.AuthContext, &j.RunContext,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertJob persists a new pending job. Job ids are caller-assigned so the
// insert is idempotent when the caller retries with the same id.
func (s *Store) InsertJob(ctx context.Context, j *models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, cluster_id, run_id, workflow_execution_id, target_fn,
		                  target_args, status, max_attempts, cache_key,
		                  timeout_seconds, auth_context, run_context)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, j.ID, j.ClusterID, j.RunID, j.WorkflowExecutionID, j.TargetFn,
		nullableJSON(j.TargetArgs), j.MaxAttempts, j.CacheKey,
		j.TimeoutSeconds, nullableJSON(j.AuthContext), nullableJSON(j.RunContext))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job scoped to its cluster.
func (s *Store) GetJob(ctx context.Context, clusterID, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE cluster_id = $1 AND id = $2`,
		clusterID, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ClaimJobs atomically moves up to limit pending jobs matching the target
// functions to running, assigns the claiming machine, bumps attempts and
// starts the lease clock. SKIP LOCKED keeps concurrent pollers from claiming
// the same rows. Jobs are claimed oldest first.
func (s *Store) ClaimJobs(ctx context.Context, clusterID, machineID string, targetFns []string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM jobs
			WHERE cluster_id = $1 AND status = 'pending' AND target_fn = ANY($2)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status               = 'running',
			executing_machine_id = $4,
			attempts             = j.attempts + 1,
			lease_expires_at     = now() + make_interval(secs => j.timeout_seconds),
			updated_at           = now()
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING `+prefixed("j", jobColumns),
		clusterID, targetFns, limit, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ExtendJobLease pushes the lease deadline out by the job's own timeout.
// Only the leaseholder may extend.
func (s *Store) ExtendJobLease(ctx context.Context, clusterID, jobID, machineID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			lease_expires_at = now() + make_interval(secs => timeout_seconds),
			updated_at       = now()
		WHERE cluster_id = $1 AND id = $2 AND status = 'running' AND executing_machine_id = $3
	`, clusterID, jobID, machineID)
	if err != nil {
		return fmt.Errorf("failed to extend job lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteJob finalizes a running job with a terminal result. The update is
// guarded on the row still being running and held by machineID so late
// results from a machine that lost its lease are rejected.
func (s *Store) CompleteJob(ctx context.Context, clusterID, jobID, machineID string,
	status models.JobStatus, resultType models.JobResultType, result []byte) (*models.Job, error) {

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status              = $4,
			result_type         = $5,
			result              = $6,
			retrigger_requested = FALSE,
			lease_expires_at    = NULL,
			updated_at          = now()
		WHERE cluster_id = $1 AND id = $2 AND status = 'running' AND executing_machine_id = $3
		RETURNING `+jobColumns,
		clusterID, jobID, machineID, status, resultType, nullableBytes(result))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	return j, nil
}

// InterruptJob moves a running job to interrupted, storing the interrupt
// payload as the result. requestApproval marks the job as awaiting an
// approval decision. When a re-trigger was requested while the job ran, a
// general interrupt lands as pending instead: the pause it would have
// started is already over.
func (s *Store) InterruptJob(ctx context.Context, clusterID, jobID, machineID string,
	result []byte, requestApproval bool) (*models.Job, error) {

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status               = CASE WHEN retrigger_requested AND NOT $5 THEN 'pending' ELSE 'interrupted' END,
			result_type          = CASE WHEN retrigger_requested AND NOT $5 THEN NULL ELSE 'interrupt' END,
			result               = CASE WHEN retrigger_requested AND NOT $5 THEN NULL ELSE $4::jsonb END,
			attempts             = CASE WHEN retrigger_requested AND NOT $5 THEN 0 ELSE attempts END,
			executing_machine_id = CASE WHEN retrigger_requested AND NOT $5 THEN NULL ELSE executing_machine_id END,
			approval_requested   = $5,
			retrigger_requested  = FALSE,
			lease_expires_at     = NULL,
			updated_at           = now()
		WHERE cluster_id = $1 AND id = $2 AND status = 'running' AND executing_machine_id = $3
		RETURNING `+jobColumns,
		clusterID, jobID, machineID, nullableBytes(result), requestApproval)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to interrupt job: %w", err)
	}
	return j, nil
}

// ApproveJob records an approval decision on an interrupted job. Approval
// returns the job to pending with its result cleared so it runs again;
// attempts are preserved. Denial is a terminal rejection. A job that already
// carries a decision is left untouched.
func (s *Store) ApproveJob(ctx context.Context, clusterID, jobID string, approved bool) (*models.Job, error) {
	var row pgx.Row
	if approved {
		row = s.pool.QueryRow(ctx, `
			UPDATE jobs SET
				approved         = TRUE,
				status           = 'pending',
				result_type      = NULL,
				result           = NULL,
				lease_expires_at = NULL,
				updated_at       = now()
			WHERE cluster_id = $1 AND id = $2 AND status = 'interrupted' AND approved IS NULL
			RETURNING `+jobColumns,
			clusterID, jobID)
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE jobs SET
				approved    = FALSE,
				status      = 'failure',
				result_type = 'rejection',
				result      = NULL,
				updated_at  = now()
			WHERE cluster_id = $1 AND id = $2 AND status = 'interrupted' AND approved IS NULL
			RETURNING `+jobColumns,
			clusterID, jobID)
	}
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}
	return j, nil
}

// ReapedJob is a lease expiry outcome: either the job went back to pending
// for another attempt or it was failed for good.
type ReapedJob struct {
	Job     models.Job
	Retried bool
}

// ReapExpiredLeases scans running jobs whose lease has lapsed. Jobs with
// attempts remaining return to pending; exhausted jobs become stalled
// failures.
func (s *Store) ReapExpiredLeases(ctx context.Context, limit int) ([]ReapedJob, error) {
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id FROM jobs
			WHERE status = 'running' AND lease_expires_at < now()
			ORDER BY lease_expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = CASE WHEN j.attempts < j.max_attempts THEN 'pending' ELSE 'stalled' END,
			result_type = CASE WHEN j.attempts < j.max_attempts THEN NULL ELSE 'rejection' END,
			result = CASE WHEN j.attempts < j.max_attempts THEN NULL
			         ELSE '{"error":{"code":"stalled","message":"lease expired with no attempts remaining"}}'::jsonb END,
			executing_machine_id = NULL,
			lease_expires_at     = NULL,
			updated_at           = now()
		FROM expired
		WHERE j.id = expired.id
		RETURNING `+prefixed("j", jobColumns),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	defer rows.Close()

	var reaped []ReapedJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reaped job: %w", err)
		}
		reaped = append(reaped, ReapedJob{Job: *j, Retried: j.Status == models.JobStatusPending})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stalled is a transient marker. Promote exhausted jobs to failure in a
	// second statement so both states are observable in events.
	for i := range reaped {
		if reaped[i].Retried {
			continue
		}
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = 'failure', updated_at = now()
			WHERE id = $1 AND status = 'stalled'
		`, reaped[i].Job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fail stalled job: %w", err)
		}
		reaped[i].Job.Status = models.JobStatusFailure
	}
	return reaped, nil
}

// RecoverOrphanedJobs resets every running job back to pending regardless of
// lease. Called once at startup when no other pod shares the database.
func (s *Store) RecoverOrphanedJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'pending',
			executing_machine_id = NULL,
			lease_expires_at     = NULL,
			updated_at           = now()
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindCachedResult returns the newest successful result stored under a cache
// key, if any row is younger than ttlSeconds.
func (s *Store) FindCachedResult(ctx context.Context, clusterID, cacheKey string, ttlSeconds int) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE cluster_id = $1 AND cache_key = $2 AND status = 'success'
		  AND created_at > now() - make_interval(secs => $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, clusterID, cacheKey, ttlSeconds)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached result: %w", err)
	}
	return j, nil
}

// ListJobsByRun returns every job attached to a run, oldest first.
func (s *Store) ListJobsByRun(ctx context.Context, clusterID, runID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE cluster_id = $1 AND run_id = $2
		ORDER BY created_at
	`, clusterID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by run: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CountOutstandingJobs counts a run's jobs that have not reached a terminal
// state. The agent loop blocks on this before taking its next model step.
func (s *Store) CountOutstandingJobs(ctx context.Context, clusterID, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE cluster_id = $1 AND run_id = $2
		  AND status NOT IN ('success', 'failure')
	`, clusterID, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding jobs: %w", err)
	}
	return n, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
