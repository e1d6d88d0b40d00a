package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// InsertBlob stores a typed payload attached to a job or run.
func (s *Store) InsertBlob(ctx context.Context, b *models.Blob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blobs (id, cluster_id, name, type, job_id, run_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.ClusterID, b.Name, b.Type, b.JobID, b.RunID, b.Data)
	if err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

// GetBlob retrieves a blob by id within a cluster.
func (s *Store) GetBlob(ctx context.Context, clusterID, id string) (*models.Blob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, cluster_id, name, type, job_id, run_id, data, created_at
		FROM blobs WHERE cluster_id = $1 AND id = $2
	`, clusterID, id)

	var b models.Blob
	err := row.Scan(&b.ID, &b.ClusterID, &b.Name, &b.Type, &b.JobID, &b.RunID, &b.Data, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &b, nil
}

// ListBlobsByRun returns the blobs attached to a run, oldest first.
func (s *Store) ListBlobsByRun(ctx context.Context, clusterID, runID string) ([]models.Blob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cluster_id, name, type, job_id, run_id, data, created_at
		FROM blobs WHERE cluster_id = $1 AND run_id = $2
		ORDER BY created_at
	`, clusterID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var blobs []models.Blob
	for rows.Next() {
		var b models.Blob
		if err := rows.Scan(&b.ID, &b.ClusterID, &b.Name, &b.Type, &b.JobID, &b.RunID, &b.Data, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}
