package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// UpsertMachine records a machine ping, creating the row on first contact.
func (s *Store) UpsertMachine(ctx context.Context, m *models.Machine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (cluster_id, id, last_ping_at, ip, sdk_version, sdk_language, status)
		VALUES ($1, $2, now(), $3, $4, $5, 'active')
		ON CONFLICT (cluster_id, id) DO UPDATE SET
			last_ping_at = now(),
			ip           = EXCLUDED.ip,
			sdk_version  = EXCLUDED.sdk_version,
			sdk_language = EXCLUDED.sdk_language,
			status       = 'active'
	`, m.ClusterID, m.ID, m.IP, m.SDKVersion, m.SDKLanguage)
	if err != nil {
		return fmt.Errorf("failed to upsert machine: %w", err)
	}
	return nil
}

// GetMachine retrieves a machine by (cluster, id).
func (s *Store) GetMachine(ctx context.Context, clusterID, id string) (*models.Machine, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT cluster_id, id, last_ping_at, ip, sdk_version, sdk_language, status
		FROM machines WHERE cluster_id = $1 AND id = $2
	`, clusterID, id)

	var m models.Machine
	err := row.Scan(&m.ClusterID, &m.ID, &m.LastPingAt, &m.IP, &m.SDKVersion, &m.SDKLanguage, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return &m, nil
}

// ListMachines returns all machines in a cluster, most recently seen first.
func (s *Store) ListMachines(ctx context.Context, clusterID string) ([]models.Machine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cluster_id, id, last_ping_at, ip, sdk_version, sdk_language, status
		FROM machines WHERE cluster_id = $1
		ORDER BY last_ping_at DESC
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(&m.ClusterID, &m.ID, &m.LastPingAt, &m.IP, &m.SDKVersion, &m.SDKLanguage, &m.Status); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}
