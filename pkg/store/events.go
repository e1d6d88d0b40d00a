package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentplane/agentplane/pkg/models"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertEvent appends an audit log row using the pool.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	return insertEvent(ctx, s.pool, e)
}

// InsertEventTx appends an audit log row inside an open transaction, so the
// event commits atomically with the state change it records.
func (s *Store) InsertEventTx(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	return insertEvent(ctx, tx, e)
}

func insertEvent(ctx context.Context, q execer, e *models.Event) error {
	_, err := q.Exec(ctx, `
		INSERT INTO events (id, cluster_id, type, job_id, machine_id, run_id, target_fn, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.ClusterID, e.Type, e.JobID, e.MachineID, e.RunID, e.TargetFn, e.Status, nullableJSON(e.Meta))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns audit log rows matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, clusterID string, f models.EventFilter) ([]models.Event, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, cluster_id, type, job_id, machine_id, run_id, target_fn, status, meta, created_at
		FROM events WHERE cluster_id = $1`)
	args := []any{clusterID}

	appendCond := func(col string, v *string) {
		if v != nil {
			args = append(args, *v)
			sb.WriteString(" AND " + col + " = $" + strconv.Itoa(len(args)))
		}
	}
	appendCond("job_id", f.JobID)
	appendCond("machine_id", f.MachineID)
	appendCond("run_id", f.RunID)
	appendCond("type", f.Type)
	appendCond("target_fn", f.TargetFn)
	appendCond("status", f.Status)

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.ClusterID, &e.Type, &e.JobID, &e.MachineID,
			&e.RunID, &e.TargetFn, &e.Status, &e.Meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
