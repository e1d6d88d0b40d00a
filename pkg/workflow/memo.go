package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentplane/agentplane/pkg/models"
)

// memoKeyPrefix namespaces workflow memo cells in the shared KV table.
const memoKeyPrefix = "memo_"

// valueEnvelope wraps stored values so a stored JSON null is distinguishable
// from an unset key.
type valueEnvelope struct {
	Value json.RawMessage `json:"value"`
}

// SetValue writes a cluster KV entry under the given conflict policy and
// returns the value that ended up stored. With doNothing the first write
// wins, which is the memo exactly-once rule: a retrying handler that reaches
// the same cell observes the original value.
func (s *Service) SetValue(ctx context.Context, clusterID, key string, value json.RawMessage, onConflict models.KVConflictPolicy) (json.RawMessage, error) {
	wrapped, err := json.Marshal(valueEnvelope{Value: value})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap value: %w", err)
	}
	stored, err := s.store.SetKV(ctx, clusterID, key, wrapped, onConflict)
	if err != nil {
		return nil, err
	}
	var env valueEnvelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, fmt.Errorf("failed to unwrap stored value: %w", err)
	}
	return env.Value, nil
}

// GetValue reads a cluster KV entry. Returns store.ErrNotFound when unset.
func (s *Service) GetValue(ctx context.Context, clusterID, key string) (json.RawMessage, error) {
	stored, err := s.store.GetKV(ctx, clusterID, key)
	if err != nil {
		return nil, err
	}
	var env valueEnvelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, fmt.Errorf("failed to unwrap stored value: %w", err)
	}
	return env.Value, nil
}

// MemoKey derives the KV key of a memo cell within an execution.
func MemoKey(executionID, key string) string {
	return executionID + "_" + memoKeyPrefix + key
}
