package store

import (
	"context"
	"fmt"
	"time"
)

// DeleteOldEvents removes audit log rows older than ttl.
func (s *Store) DeleteOldEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events
		WHERE created_at < now() - make_interval(secs => $1)
	`, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldDetachedJobs removes finished jobs past their retention window.
// Only jobs with no owning run are eligible: run-attached jobs belong to a
// transcript and live as long as the run does.
func (s *Store) DeleteOldDetachedJobs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE run_id IS NULL
		  AND workflow_execution_id IS NULL
		  AND status IN ('success', 'failure')
		  AND updated_at < now() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
