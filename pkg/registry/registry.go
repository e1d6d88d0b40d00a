// Package registry tracks machines and the tools they serve. Machines
// announce themselves implicitly on every authenticated call; tools are
// registered explicitly and expire when their machine stops polling.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/store"
)

// Machine identity as presented in request headers.
type MachineInfo struct {
	ClusterID   string
	MachineID   string
	IP          string
	SDKVersion  string
	SDKLanguage string
}

// ToolRegistration is one tool definition submitted by a machine.
type ToolRegistration struct {
	Name        string
	Description *string
	Schema      []byte
	Config      models.ToolConfig
}

// ValidationError marks a registration rejected for caller error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Registry persists machine pings and tool definitions, throttling the
// machine upsert so a busy poller does not hammer the machines table.
type Registry struct {
	store        *store.Store
	upsertWindow time.Duration
	mu           sync.Mutex
	lastUpsert   map[string]time.Time
	now          func() time.Time
}

// New creates a Registry. upsertWindow bounds how often a given machine's
// row is rewritten; liveness tracking tolerates the staleness because the
// tool liveness window is the same order of magnitude.
func New(s *store.Store, upsertWindow time.Duration) *Registry {
	return &Registry{
		store:        s,
		upsertWindow: upsertWindow,
		lastUpsert:   make(map[string]time.Time),
		now:          time.Now,
	}
}

// RecordPing upserts the machine row unless it was upserted within the
// throttle window. Returns true when a database write happened.
func (r *Registry) RecordPing(ctx context.Context, info MachineInfo) (bool, error) {
	key := info.ClusterID + "/" + info.MachineID

	r.mu.Lock()
	last, seen := r.lastUpsert[key]
	now := r.now()
	if seen && now.Sub(last) < r.upsertWindow {
		r.mu.Unlock()
		return false, nil
	}
	r.lastUpsert[key] = now
	r.mu.Unlock()

	err := r.store.UpsertMachine(ctx, &models.Machine{
		ClusterID:   info.ClusterID,
		ID:          info.MachineID,
		IP:          info.IP,
		SDKVersion:  info.SDKVersion,
		SDKLanguage: info.SDKLanguage,
	})
	if err != nil {
		// Drop the throttle entry so the next call retries the write.
		r.mu.Lock()
		delete(r.lastUpsert, key)
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

// RegisterTools validates and upserts a machine's tool definitions.
func (r *Registry) RegisterTools(ctx context.Context, info MachineInfo, regs []ToolRegistration) error {
	for _, reg := range regs {
		if !models.ValidToolName(reg.Name) && !models.ValidWorkflowToolName(reg.Name) {
			return &ValidationError{Message: fmt.Sprintf("invalid tool name %q: letters and digits only, max 30 characters", reg.Name)}
		}
		if len(reg.Schema) > 0 {
			if err := ValidateToolSchema(reg.Schema); err != nil {
				return &ValidationError{Message: fmt.Sprintf("invalid schema for tool %q: %v", reg.Name, err)}
			}
		}
	}

	machineID := info.MachineID
	for _, reg := range regs {
		tool := &models.Tool{
			ClusterID:    info.ClusterID,
			Name:         reg.Name,
			Description:  reg.Description,
			Schema:       reg.Schema,
			Config:       reg.Config,
			ShouldExpire: true,
			MachineID:    &machineID,
		}
		if err := r.store.UpsertTool(ctx, tool); err != nil {
			return err
		}
		slog.Debug("tool registered", "cluster_id", info.ClusterID, "machine_id", machineID, "tool", reg.Name)
	}
	return nil
}

// RefreshTools bumps last_ping_at for the tools a machine is actively
// polling, keeping them live without a full re-registration.
func (r *Registry) RefreshTools(ctx context.Context, info MachineInfo, names []string) error {
	tools, err := r.store.ListToolsByName(ctx, info.ClusterID, names)
	if err != nil {
		return err
	}
	for i := range tools {
		if err := r.store.UpsertTool(ctx, &tools[i]); err != nil {
			return err
		}
	}
	return nil
}

// CallableTools returns the tools an agent run may invoke right now: live
// and not private. Private tools stay claimable by machines but are never
// surfaced to the model.
func (r *Registry) CallableTools(ctx context.Context, clusterID string) ([]models.Tool, error) {
	all, err := r.store.ListTools(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var callable []models.Tool
	for _, t := range all {
		if t.Live(now) && !t.Config.IsPrivate() {
			callable = append(callable, t)
		}
	}
	return callable, nil
}

// ResolveTool fetches a tool and reports whether it is currently live.
func (r *Registry) ResolveTool(ctx context.Context, clusterID, name string) (*models.Tool, bool, error) {
	t, err := r.store.GetTool(ctx, clusterID, name)
	if err != nil {
		return nil, false, err
	}
	return t, t.Live(r.now()), nil
}
