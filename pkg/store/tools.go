package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentplane/agentplane/pkg/models"
)

// UpsertTool registers or refreshes a tool definition. Machine-registered
// tools arrive with ShouldExpire=true and their liveness follows polling.
func (s *Store) UpsertTool(ctx context.Context, t *models.Tool) error {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal tool config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tools (cluster_id, name, description, schema, config, should_expire, machine_id, last_ping_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (cluster_id, name) DO UPDATE SET
			description   = EXCLUDED.description,
			schema        = EXCLUDED.schema,
			config        = EXCLUDED.config,
			should_expire = EXCLUDED.should_expire,
			machine_id    = EXCLUDED.machine_id,
			last_ping_at  = now()
	`, t.ClusterID, t.Name, t.Description, nullableJSON(t.Schema), configJSON, t.ShouldExpire, t.MachineID)
	if err != nil {
		return fmt.Errorf("failed to upsert tool: %w", err)
	}
	return nil
}

// GetTool retrieves a tool by (cluster, name).
func (s *Store) GetTool(ctx context.Context, clusterID, name string) (*models.Tool, error) {
	row := s.pool.QueryRow(ctx, toolSelect+` WHERE cluster_id = $1 AND name = $2`, clusterID, name)
	t, err := scanTool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	return t, nil
}

// ListTools returns all tool definitions in a cluster.
func (s *Store) ListTools(ctx context.Context, clusterID string) ([]models.Tool, error) {
	rows, err := s.pool.Query(ctx, toolSelect+` WHERE cluster_id = $1 ORDER BY name`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

// ListToolsByName returns the subset of named tools that exist in the cluster.
func (s *Store) ListToolsByName(ctx context.Context, clusterID string, names []string) ([]models.Tool, error) {
	rows, err := s.pool.Query(ctx, toolSelect+` WHERE cluster_id = $1 AND name = ANY($2) ORDER BY name`, clusterID, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools by name: %w", err)
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

// ListWorkflowTools returns the registered versions of a named workflow's
// private tool, newest version first by name ordering.
func (s *Store) ListWorkflowTools(ctx context.Context, clusterID, workflowName string) ([]models.Tool, error) {
	rows, err := s.pool.Query(ctx,
		toolSelect+` WHERE cluster_id = $1 AND name LIKE $2 ORDER BY name DESC`,
		clusterID, "workflows\\_"+workflowName+"\\_%")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow tools: %w", err)
	}
	defer rows.Close()

	var tools []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

const toolSelect = `
	SELECT cluster_id, name, description, schema, config, should_expire, machine_id, created_at, last_ping_at
	FROM tools`

func scanTool(row pgx.Row) (*models.Tool, error) {
	var t models.Tool
	var configJSON []byte
	if err := row.Scan(&t.ClusterID, &t.Name, &t.Description, &t.Schema, &configJSON,
		&t.ShouldExpire, &t.MachineID, &t.CreatedAt, &t.LastPingAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &t.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool config: %w", err)
	}
	return &t, nil
}

// nullableJSON maps empty raw JSON to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
