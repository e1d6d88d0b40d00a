// Package workflow implements the durable orchestration engine: idempotent
// execution creates, memoized step cells and deterministic agent run ids.
// Handlers run on worker machines; this side owns their durability.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/store"
)

// ErrWorkflowNotRegistered is returned when no handler version is registered
// for the named workflow.
var ErrWorkflowNotRegistered = errors.New("workflow not registered")

// Service drives workflow executions.
type Service struct {
	store     *store.Store
	queue     *queue.Service
	publisher *events.Publisher
}

// NewService wires the workflow service.
func NewService(s *store.Store, q *queue.Service, pub *events.Publisher) *Service {
	return &Service{store: s, queue: q, publisher: pub}
}

// CreateExecutionParams describes an execution start request.
type CreateExecutionParams struct {
	ClusterID    string
	WorkflowName string
	ExecutionID  string
	Input        json.RawMessage
}

// CreateExecution idempotently starts a workflow execution: the first call
// pins the latest registered handler version and enqueues the orchestration
// job; replays return the stored execution unchanged, so the version never
// shifts mid-execution even across redeploys.
func (s *Service) CreateExecution(ctx context.Context, p CreateExecutionParams) (*models.WorkflowExecution, error) {
	if !models.ValidRunID(p.ExecutionID) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid execution id %q", p.ExecutionID)}
	}

	if existing, err := s.store.GetWorkflowExecution(ctx, p.ClusterID, p.WorkflowName, p.ExecutionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	version, toolName, err := s.latestVersion(ctx, p.ClusterID, p.WorkflowName)
	if err != nil {
		return nil, err
	}

	input := p.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	// Wrap the caller input with the execution identity the handler needs.
	args, err := json.Marshal(map[string]json.RawMessage{
		"executionId": json.RawMessage(strconv.Quote(p.ExecutionID)),
		"input":       input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow args: %w", err)
	}

	created, err := s.queue.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:           p.ClusterID,
		TargetFn:            toolName,
		TargetArgs:          args,
		WorkflowExecutionID: &p.ExecutionID,
		JobID:               "wf-" + p.WorkflowName + "-" + p.ExecutionID,
	})
	if err != nil {
		return nil, err
	}

	we, inserted, err := s.store.CreateWorkflowExecution(ctx, &models.WorkflowExecution{
		ClusterID:    p.ClusterID,
		WorkflowName: p.WorkflowName,
		Version:      version,
		ExecutionID:  p.ExecutionID,
		JobID:        created.ID,
	})
	if err != nil {
		return nil, err
	}
	if inserted {
		slog.Info("workflow execution created",
			"cluster_id", p.ClusterID, "workflow", p.WorkflowName,
			"version", version, "execution_id", p.ExecutionID)
	}
	return we, nil
}

// latestVersion resolves the newest registered handler version for a
// workflow from its private tool registrations.
func (s *Service) latestVersion(ctx context.Context, clusterID, workflowName string) (int, string, error) {
	tools, err := s.store.ListWorkflowTools(ctx, clusterID, workflowName)
	if err != nil {
		return 0, "", err
	}

	best := -1
	for _, t := range tools {
		suffix := strings.TrimPrefix(t.Name, "workflows_"+workflowName+"_")
		v, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if v > best {
			best = v
		}
	}
	if best < 0 {
		return 0, "", ErrWorkflowNotRegistered
	}
	return best, models.WorkflowToolName(workflowName, best), nil
}

// GetExecution returns an execution and its driving job.
func (s *Service) GetExecution(ctx context.Context, clusterID, workflowName, executionID string) (*models.WorkflowExecution, *models.Job, error) {
	we, err := s.store.GetWorkflowExecution(ctx, clusterID, workflowName, executionID)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.store.GetJob(ctx, clusterID, we.JobID)
	if err != nil {
		return nil, nil, err
	}
	return we, job, nil
}

// ValidationError marks a request rejected for caller error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
