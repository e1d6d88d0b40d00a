package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// InsertMessage appends a message to a run's transcript. Message ids are
// time-ordered (UUIDv7) so the primary key ordering is the timeline.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, cluster_id, run_id, type, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_id, run_id, id) DO NOTHING
	`, m.ID, m.ClusterID, m.RunID, m.Type, []byte(m.Data))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns a run's messages in id order. afterID narrows the
// listing to messages strictly newer than a previously seen id; pass "" for
// the full transcript.
func (s *Store) ListMessages(ctx context.Context, clusterID, runID, afterID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cluster_id, run_id, type, data, created_at
		FROM messages
		WHERE cluster_id = $1 AND run_id = $2 AND id > $3
		ORDER BY id
		LIMIT $4
	`, clusterID, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ClusterID, &m.RunID, &m.Type, &m.Data, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the newest message in a run, or ErrNotFound for an
// empty transcript.
func (s *Store) LastMessage(ctx context.Context, clusterID, runID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, cluster_id, run_id, type, data, created_at
		FROM messages
		WHERE cluster_id = $1 AND run_id = $2
		ORDER BY id DESC
		LIMIT 1
	`, clusterID, runID)

	var m models.Message
	err := row.Scan(&m.ID, &m.ClusterID, &m.RunID, &m.Type, &m.Data, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}
	return &m, nil
}

// CountMessages returns the transcript length for a run.
func (s *Store) CountMessages(ctx context.Context, clusterID, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE cluster_id = $1 AND run_id = $2
	`, clusterID, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
