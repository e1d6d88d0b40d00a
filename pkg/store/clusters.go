package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// CreateCluster inserts a new cluster row.
func (s *Store) CreateCluster(ctx context.Context, c *models.Cluster) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clusters (id, name, description, additional_context, debug,
		                      enable_custom_auth, handle_custom_auth_function, is_demo, api_key_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Name, c.Description, c.AdditionalContext, c.Debug,
		c.EnableCustomAuth, c.HandleCustomAuthFunction, c.IsDemo, c.APIKeyHash)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

// GetCluster retrieves a cluster by id.
func (s *Store) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, additional_context, debug,
		       enable_custom_auth, handle_custom_auth_function, is_demo, api_key_hash, created_at
		FROM clusters WHERE id = $1
	`, id)

	var c models.Cluster
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.AdditionalContext, &c.Debug,
		&c.EnableCustomAuth, &c.HandleCustomAuthFunction, &c.IsDemo, &c.APIKeyHash, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return &c, nil
}
