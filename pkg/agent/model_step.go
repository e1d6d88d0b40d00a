package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/registry"
)

// stepObject is the structured object one model step must produce.
type stepObject struct {
	Done        bool             `json:"done"`
	Message     *string          `json:"message,omitempty"`
	Issue       *string          `json:"issue,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Invocations []stepInvocation `json:"invocations,omitempty"`
}

type stepInvocation struct {
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// modelStep performs one MODEL node visit: build the prompt, call the model,
// validate, reconcile and append the resulting agent message. Recoverable
// model mistakes append corrections and leave the run running; only the
// guards and provider failure are agent-fatal.
func (e *Engine) modelStep(ctx context.Context, run *models.Run, msgs []models.Message) error {
	if len(msgs) >= e.cfg.MaxMessages {
		return &Error{Reason: fmt.Sprintf("Run exceeded %d messages", e.cfg.MaxMessages)}
	}
	if looping(msgs, e.cfg.RecentWindow) {
		return &Error{Reason: "Model loop detected: no external input in recent messages"}
	}

	relevant, otherNames, err := e.resolveTools(ctx, run)
	if err != nil {
		return err
	}

	cluster, err := e.store.GetCluster(ctx, run.ClusterID)
	if err != nil {
		return err
	}

	system := e.prompt.BuildSystemPrompt(run, cluster.AdditionalContext, relevant, otherNames)
	trimmed, err := trimWindow(system, msgs, e.cfg.ModelContextWindow,
		e.cfg.SystemPromptBudget, e.cfg.TotalBudget, e.model.EstimateTokens)
	if err != nil {
		return err
	}

	toolNames := make([]string, len(relevant))
	for i := range relevant {
		toolNames[i] = relevant[i].Name
	}
	schema, err := model.BuildOutputSchema(model.OutputSchemaParams{
		ToolNames:       toolNames,
		ResultSchema:    run.ResultSchema,
		ReasoningTraces: run.ReasoningTraces,
	})
	if err != nil {
		return &Error{Reason: fmt.Sprintf("Invalid result schema: %v", err)}
	}

	req := model.Request{
		System:       system,
		Messages:     renderMessages(trimmed),
		OutputSchema: schema,
	}
	resp, err := e.model.Structured(ctx, req)
	if err != nil {
		// One retry before the failure becomes run-fatal.
		resp, err = e.model.Structured(ctx, req)
		if err != nil {
			return &Error{Reason: fmt.Sprintf("Model call failed: %v", err)}
		}
	}

	if len(resp.Structured) == 0 && len(resp.RawToolCalls) == 0 {
		return e.rejectStep(ctx, run, json.RawMessage(`{}`), supervisorInvalidObject)
	}

	structured := resp.Structured
	if len(structured) == 0 {
		structured = json.RawMessage(`{}`)
	}
	if err := registry.ValidateAgainstSchema(structured, schema); err != nil {
		return e.rejectStep(ctx, run, structured, supervisorInvalidObject)
	}

	var step stepObject
	if err := json.Unmarshal(structured, &step); err != nil {
		return e.rejectStep(ctx, run, structured, supervisorInvalidObject)
	}

	invocations := make([]models.Invocation, 0, len(step.Invocations)+len(resp.RawToolCalls))
	for _, inv := range step.Invocations {
		invocations = append(invocations, models.Invocation{
			ID:        uuid.NewString(),
			ToolName:  inv.ToolName,
			Input:     inv.Input,
			Reasoning: inv.Reasoning,
		})
	}
	// Tool calls the model emitted natively, outside the structured channel,
	// still count as invocations.
	for _, call := range resp.RawToolCalls {
		invocations = append(invocations, models.Invocation{
			ID:        uuid.NewString(),
			ToolName:  call.Name,
			Input:     call.Input,
			Reasoning: extractedReasoning,
		})
	}

	// Reconcile the done flag against the invocation list.
	if step.Done && len(invocations) > 0 {
		// Tools first: the model finishes on a later step.
		step.Done = false
		step.Result = nil
		step.Message = nil
	}
	if !step.Done && len(invocations) == 0 {
		// Interactive runs may address the user and wait; anything else must
		// either invoke a tool or finish.
		if !run.Interactive || step.Message == nil {
			return e.rejectStep(ctx, run, structured, supervisorInvokeOrDone)
		}
	}
	if step.Done && len(step.Result) == 0 && step.Message == nil {
		return e.rejectStep(ctx, run, structured, supervisorProvideClosure)
	}

	data, err := json.Marshal(models.AgentMessageData{
		Invocations: invocations,
		Result:      step.Result,
		Message:     step.Message,
		Issue:       step.Issue,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal agent message: %w", err)
	}
	if err := e.store.InsertMessage(ctx, &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: run.ClusterID,
		RunID:     run.ID,
		Type:      models.MessageTypeAgent,
		Data:      data,
	}); err != nil {
		return err
	}
	e.publisher.Publish(ctx, events.RunTopic(run.ClusterID, run.ID))

	if step.Done {
		return e.transition(ctx, run, models.RunStatusDone, nil, step.Result)
	}
	return nil
}

// rejectStep appends the invalid model output followed by a supervisor
// correction, leaving the run running so the next step can recover.
func (e *Engine) rejectStep(ctx context.Context, run *models.Run, invalid json.RawMessage, supervisorText string) error {
	if err := e.store.InsertMessage(ctx, &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: run.ClusterID,
		RunID:     run.ID,
		Type:      models.MessageTypeAgentInvalid,
		Data:      invalid,
	}); err != nil {
		return err
	}
	return e.appendText(ctx, run, models.MessageTypeSupervisor, supervisorText)
}

// looping reports whether the message tail shows a model cycle: window or
// more recent messages with no external input among them.
func looping(msgs []models.Message, window int) bool {
	if len(msgs) < window {
		return false
	}
	for _, m := range msgs[len(msgs)-window:] {
		if m.Type == models.MessageTypeHuman || m.Type == models.MessageTypeInvocationResult {
			return false
		}
	}
	return true
}

// resolveTools computes the relevant tool set for this step and the names of
// the remaining callable tools.
func (e *Engine) resolveTools(ctx context.Context, run *models.Run) ([]models.Tool, []string, error) {
	callable, err := e.registry.CallableTools(ctx, run.ClusterID)
	if err != nil {
		return nil, nil, err
	}

	// A run that names tools is restricted to them.
	if len(run.Tools) > 0 {
		wanted := make(map[string]bool, len(run.Tools))
		for _, name := range run.Tools {
			wanted[name] = true
		}
		filtered := callable[:0]
		for _, t := range callable {
			if wanted[t.Name] {
				filtered = append(filtered, t)
			}
		}
		callable = filtered
	}

	relevant := e.relevant(ctx, run, callable)
	inRelevant := make(map[string]bool, len(relevant))
	for i := range relevant {
		inRelevant[relevant[i].Name] = true
	}
	var otherNames []string
	for i := range callable {
		if !inRelevant[callable[i].Name] {
			otherNames = append(otherNames, callable[i].Name)
		}
	}
	return relevant, otherNames, nil
}

// renderMessages flattens the typed transcript into provider chat turns.
// Agent output goes back verbatim as assistant turns; everything else is
// user input, with results and corrections serialized as JSON.
func renderMessages(msgs []models.Message) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		switch m.Type {
		case models.MessageTypeAgent, models.MessageTypeAgentInvalid:
			out = append(out, model.ChatMessage{Role: model.RoleAssistant, Text: string(m.Data)})
		case models.MessageTypeHuman, models.MessageTypeSupervisor, models.MessageTypeTemplate:
			text := string(m.Data)
			if decoded, err := m.DecodeText(); err == nil && decoded.Message != "" {
				text = decoded.Message
			}
			out = append(out, model.ChatMessage{Role: model.RoleUser, Text: text})
		case models.MessageTypeInvocationResult:
			out = append(out, model.ChatMessage{Role: model.RoleUser, Text: string(m.Data)})
		}
	}
	return out
}
