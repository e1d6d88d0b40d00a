package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// SetKV writes a cluster-scoped key. Under KVConflictDoNothing an existing
// value is preserved, which is what makes workflow memoization first-write-wins.
// The stored value is returned in both cases.
func (s *Store) SetKV(ctx context.Context, clusterID, key string, value json.RawMessage, onConflict models.KVConflictPolicy) (json.RawMessage, error) {
	var sql string
	switch onConflict {
	case models.KVConflictDoNothing:
		sql = `
			INSERT INTO kv (cluster_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (cluster_id, key) DO NOTHING`
	default:
		sql = `
			INSERT INTO kv (cluster_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (cluster_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	}
	if _, err := s.pool.Exec(ctx, sql, clusterID, key, []byte(value)); err != nil {
		return nil, fmt.Errorf("failed to set kv: %w", err)
	}
	return s.GetKV(ctx, clusterID, key)
}

// GetKV reads a cluster-scoped key.
func (s *Store) GetKV(ctx context.Context, clusterID, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv WHERE cluster_id = $1 AND key = $2
	`, clusterID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv: %w", err)
	}
	return value, nil
}
