package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
)

// invocationError is the machine-readable body of a synthesized rejection.
type invocationError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// toolStep performs one TOOL node visit: every unanswered invocation either
// becomes a dispatched job or, when its tool cannot be called, an immediate
// rejection result for the model to react to.
func (e *Engine) toolStep(ctx context.Context, run *models.Run, msgs []models.Message) error {
	for _, inv := range pendingInvocations(msgs) {
		if err := e.dispatchInvocation(ctx, run, inv); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchInvocation(ctx context.Context, run *models.Run, inv models.Invocation) error {
	tool, live, err := e.registry.ResolveTool(ctx, run.ClusterID, inv.ToolName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.synthesizeRejection(ctx, run, inv, "tool_not_found",
				fmt.Sprintf("tool %q is not registered in this cluster", inv.ToolName))
		}
		return err
	}
	if !live {
		return e.synthesizeRejection(ctx, run, inv, "tool_unavailable",
			fmt.Sprintf("tool %q has no live machine serving it", inv.ToolName))
	}
	if tool.Config.IsPrivate() {
		return e.synthesizeRejection(ctx, run, inv, "tool_private",
			fmt.Sprintf("tool %q is not callable from runs", inv.ToolName))
	}
	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := registry.ValidateAgainstSchema(input, tool.Schema); err != nil {
		return e.synthesizeRejection(ctx, run, inv, "invalid_input",
			fmt.Sprintf("input does not match the registered schema for tool %q: %v", inv.ToolName, err))
	}

	runID := run.ID
	created, err := e.queue.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:   run.ClusterID,
		TargetFn:    inv.ToolName,
		TargetArgs:  inv.Input,
		RunID:       &runID,
		AuthContext: run.AuthContext,
		RunContext:  run.Context,
		JobID:       inv.ID,
	})
	if err != nil {
		if errors.Is(err, queue.ErrToolNotFound) {
			return e.synthesizeRejection(ctx, run, inv, "tool_not_found",
				fmt.Sprintf("tool %q is not registered in this cluster", inv.ToolName))
		}
		return err
	}

	// A cache hit returns a finished result with no job to wait for; answer
	// the invocation immediately.
	if created.Cached {
		resultType := models.ResultTypeResolution
		if created.ResultType != nil {
			resultType = *created.ResultType
		}
		return e.appendInvocationResult(ctx, run, models.InvocationResultData{
			ID:         inv.ID,
			ToolName:   inv.ToolName,
			ResultType: resultType,
			Result:     created.Result,
		})
	}
	return nil
}

// synthesizeRejection answers an undeliverable invocation without a job.
func (e *Engine) synthesizeRejection(ctx context.Context, run *models.Run, inv models.Invocation, code, message string) error {
	var body invocationError
	body.Error.Code = code
	body.Error.Message = message
	result, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation error: %w", err)
	}
	return e.appendInvocationResult(ctx, run, models.InvocationResultData{
		ID:         inv.ID,
		ToolName:   inv.ToolName,
		ResultType: models.ResultTypeRejection,
		Result:     result,
	})
}

func (e *Engine) appendInvocationResult(ctx context.Context, run *models.Run, data models.InvocationResultData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation result: %w", err)
	}
	if err := e.store.InsertMessage(ctx, &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: run.ClusterID,
		RunID:     run.ID,
		Type:      models.MessageTypeInvocationResult,
		Data:      raw,
	}); err != nil {
		return err
	}
	e.publisher.Publish(ctx, events.RunTopic(run.ClusterID, run.ID))
	return nil
}
