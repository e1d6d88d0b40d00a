// Package agent drives runs: a small graph over model calls and tool
// dispatches that advances a run until it is done, paused or failed. All
// durable state lives in the store; the engine itself can crash between any
// two steps and a wake-up resumes the run where it left off.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/statuschange"
	"github.com/agentplane/agentplane/pkg/store"
)

// Literal supervisor corrections the engine appends when the model's step
// object cannot be used as-is.
const (
	supervisorInvalidObject  = "Provided object was invalid, check your input"
	supervisorProvideClosure = "Please provide a final result or a reason for stopping"
	supervisorInvokeOrDone   = "You must either provide an invocation or mark the request as done"
)

// extractedReasoning marks invocations recovered from raw tool-use blocks the
// model emitted outside the structured output channel.
const extractedReasoning = "Extracted from tool calls"

// FindRelevantTools narrows the callable set for one model step.
// Implementations may rank by relevance; returning the full set is valid.
type FindRelevantTools func(ctx context.Context, run *models.Run, callable []models.Tool) []models.Tool

// Engine is the run state machine.
type Engine struct {
	store      *store.Store
	registry   *registry.Registry
	queue      *queue.Service
	model      model.Model
	dispatcher *statuschange.Dispatcher
	publisher  *events.Publisher
	prompt     *PromptBuilder
	cfg        config.AgentConfig
	relevant   FindRelevantTools

	wg sync.WaitGroup
}

// NewEngine wires the engine. relevant may be nil, in which case every
// callable tool named by the run (or all callable tools for an open run) is
// considered relevant.
func NewEngine(s *store.Store, reg *registry.Registry, q *queue.Service, m model.Model,
	d *statuschange.Dispatcher, pub *events.Publisher, cfg config.AgentConfig, relevant FindRelevantTools) *Engine {

	e := &Engine{
		store:      s,
		registry:   reg,
		queue:      q,
		model:      m,
		dispatcher: d,
		publisher:  pub,
		prompt:     NewPromptBuilder(),
		cfg:        cfg,
		relevant:   relevant,
	}
	if e.relevant == nil {
		e.relevant = func(_ context.Context, _ *models.Run, callable []models.Tool) []models.Tool {
			return callable
		}
	}
	return e
}

// WakeRun schedules an asynchronous step for a run. Implements queue.Waker.
// The step runs detached from the caller's request lifetime.
func (e *Engine) WakeRun(_ context.Context, clusterID, runID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StepTimeout)
		defer cancel()
		if err := e.ProcessRun(ctx, clusterID, runID); err != nil {
			slog.Error("run step failed", "cluster_id", clusterID, "run_id", runID, "error", err)
		}
	}()
}

// Drain waits for in-flight run steps to finish. Called on shutdown.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// CreateRunParams describes a run to create.
type CreateRunParams struct {
	ClusterID             string
	RunID                 string
	Type                  models.RunType
	SystemPrompt          *string
	InitialPrompt         *string
	ResultSchema          json.RawMessage
	Tools                 []string
	Context               json.RawMessage
	AuthContext           json.RawMessage
	Tags                  map[string]string
	Interactive           bool
	ReasoningTraces       bool
	EnableResultGrounding bool
	OnStatusChange        *models.OnStatusChange
	WorkflowExecutionID   *string
	// Start launches the agent loop immediately after create.
	Start bool
}

// ValidationError marks a create rejected for caller error.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// CreateRun creates a run, appending the initial human message when given.
// Caller-supplied ids make the create idempotent: a replay returns the
// existing run untouched.
func (e *Engine) CreateRun(ctx context.Context, p CreateRunParams) (*models.Run, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	} else if !models.ValidRunID(p.RunID) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid run id %q: must match %s", p.RunID, models.RunIDPattern.String())}
	}
	if p.OnStatusChange != nil {
		if err := p.OnStatusChange.Validate(); err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
	}
	if p.Type == "" {
		p.Type = models.RunTypeMultiStep
	}

	run := &models.Run{
		ID:                    p.RunID,
		ClusterID:             p.ClusterID,
		Type:                  p.Type,
		Status:                models.RunStatusPending,
		SystemPrompt:          p.SystemPrompt,
		InitialPrompt:         p.InitialPrompt,
		ResultSchema:          p.ResultSchema,
		Tools:                 p.Tools,
		Context:               p.Context,
		AuthContext:           p.AuthContext,
		Tags:                  p.Tags,
		Interactive:           p.Interactive,
		ReasoningTraces:       p.ReasoningTraces,
		EnableResultGrounding: p.EnableResultGrounding,
		OnStatusChange:        p.OnStatusChange,
		WorkflowExecutionID:   p.WorkflowExecutionID,
	}
	inserted, err := e.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return e.store.GetRun(ctx, p.ClusterID, p.RunID)
	}

	if p.InitialPrompt != nil && *p.InitialPrompt != "" {
		if err := e.appendText(ctx, run, models.MessageTypeHuman, *p.InitialPrompt); err != nil {
			return nil, err
		}
	}
	if p.Start {
		e.WakeRun(ctx, p.ClusterID, p.RunID)
	}
	return e.store.GetRun(ctx, p.ClusterID, p.RunID)
}

// AppendHumanMessage posts a human or supervisor message to a run and wakes
// it; this is also the resume path for paused runs.
func (e *Engine) AppendHumanMessage(ctx context.Context, clusterID, runID string, msgType models.MessageType, text string) (*models.Message, error) {
	if msgType != models.MessageTypeHuman && msgType != models.MessageTypeSupervisor {
		return nil, &ValidationError{Message: fmt.Sprintf("message type %q cannot be posted", msgType)}
	}
	run, err := e.store.GetRun(ctx, clusterID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, &ValidationError{Message: "run is no longer accepting messages"}
	}

	data, err := json.Marshal(models.TextMessageData{Message: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: clusterID,
		RunID:     runID,
		Type:      msgType,
		Data:      data,
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	e.publisher.Publish(ctx, events.RunTopic(clusterID, runID))
	e.WakeRun(ctx, clusterID, runID)
	return msg, nil
}

// graph nodes
type node int

const (
	nodeEnd node = iota
	nodeModel
	nodeTool
)

// ProcessRun drives one run forward until it reaches a wait point or a
// terminal state. Exactly one step loop is active per run at a time; a
// concurrent wake that loses the acquire simply returns, relying on the
// holder to observe the new state.
func (e *Engine) ProcessRun(ctx context.Context, clusterID, runID string) error {
	acquired, err := e.store.TryAcquireRunStep(ctx, clusterID, runID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.store.ReleaseRunStep(context.WithoutCancel(ctx), clusterID, runID); err != nil {
			slog.Error("failed to release run step", "run_id", runID, "error", err)
		}
	}()

	for {
		run, err := e.store.GetRun(ctx, clusterID, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		msgs, err := e.store.ListMessages(ctx, clusterID, runID, "", e.cfg.MaxMessages+1)
		if err != nil {
			return err
		}

		switch run.Status {
		case models.RunStatusPending:
			if err := e.transition(ctx, run, models.RunStatusRunning, nil, nil); err != nil {
				return err
			}
			run.Status = models.RunStatusRunning
		case models.RunStatusPaused:
			// Paused runs resume only on fresh input.
			if !hasResumeInput(msgs) {
				return nil
			}
			if err := e.transition(ctx, run, models.RunStatusRunning, nil, nil); err != nil {
				return err
			}
			run.Status = models.RunStatusRunning
		}

		next, err := e.nextNode(ctx, run, msgs)
		if err != nil {
			return err
		}

		switch next {
		case nodeEnd:
			return e.maybePause(ctx, run, msgs)
		case nodeModel:
			if err := e.modelStep(ctx, run, msgs); err != nil {
				var agentErr *Error
				if errors.As(err, &agentErr) {
					return e.failRun(ctx, run, agentErr.Reason)
				}
				return err
			}
		case nodeTool:
			if err := e.toolStep(ctx, run, msgs); err != nil {
				return err
			}
		}
	}
}

// nextNode is the post-start edge: wait on outstanding jobs, finish pending
// tool dispatches, otherwise take a model step.
func (e *Engine) nextNode(ctx context.Context, run *models.Run, msgs []models.Message) (node, error) {
	outstanding, err := e.store.CountOutstandingJobs(ctx, run.ClusterID, run.ID)
	if err != nil {
		return nodeEnd, err
	}
	if outstanding > 0 {
		return nodeEnd, nil
	}

	if pending := pendingInvocations(msgs); len(pending) > 0 {
		return nodeTool, nil
	}

	// An agent message with no invocations is a turn addressed to the user;
	// the run waits for input instead of calling the model again.
	if len(msgs) > 0 && msgs[len(msgs)-1].Type == models.MessageTypeAgent {
		if data, err := msgs[len(msgs)-1].DecodeAgentData(); err == nil && len(data.Invocations) == 0 {
			return nodeEnd, nil
		}
	}
	return nodeModel, nil
}

// pendingInvocations returns the invocations from agent messages that have
// no matching invocation-result yet.
func pendingInvocations(msgs []models.Message) []models.Invocation {
	answered := make(map[string]bool)
	for i := range msgs {
		if msgs[i].Type != models.MessageTypeInvocationResult {
			continue
		}
		if data, err := msgs[i].DecodeInvocationResult(); err == nil {
			answered[data.ID] = true
		}
	}

	var pending []models.Invocation
	for i := range msgs {
		if msgs[i].Type != models.MessageTypeAgent {
			continue
		}
		data, err := msgs[i].DecodeAgentData()
		if err != nil {
			continue
		}
		for _, inv := range data.Invocations {
			if !answered[inv.ID] {
				pending = append(pending, inv)
			}
		}
	}
	return pending
}

// maybePause moves an interactive run with nothing to do into paused. A run
// that is already paused, or not interactive, is left alone; the run simply
// waits for the next wake-up.
func (e *Engine) maybePause(ctx context.Context, run *models.Run, msgs []models.Message) error {
	if !run.Interactive || run.Status == models.RunStatusPaused {
		return nil
	}
	last := lastOfType(msgs, models.MessageTypeAgent)
	if last == nil {
		return nil
	}
	data, err := last.DecodeAgentData()
	if err != nil || len(data.Invocations) > 0 {
		return nil
	}
	return e.transition(ctx, run, models.RunStatusPaused, nil, nil)
}

// failRun records an agent-fatal failure.
func (e *Engine) failRun(ctx context.Context, run *models.Run, reason string) error {
	slog.Warn("run failed", "cluster_id", run.ClusterID, "run_id", run.ID, "reason", reason)
	return e.transition(ctx, run, models.RunStatusFailed, &reason, nil)
}

// transition updates the run's status and notifies the dispatcher.
func (e *Engine) transition(ctx context.Context, run *models.Run, status models.RunStatus, failureReason *string, result json.RawMessage) error {
	updated, err := e.store.UpdateRunStatus(ctx, run.ClusterID, run.ID, status, failureReason, result)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	e.dispatcher.RunStatusChanged(ctx, updated, status)
	return nil
}

// appendText appends a text-bodied message to the run.
func (e *Engine) appendText(ctx context.Context, run *models.Run, msgType models.MessageType, text string) error {
	data, err := json.Marshal(models.TextMessageData{Message: text})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return e.store.InsertMessage(ctx, &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: run.ClusterID,
		RunID:     run.ID,
		Type:      msgType,
		Data:      data,
	})
}

// hasResumeInput reports whether the newest message is the kind of external
// input that resumes a paused run.
func hasResumeInput(msgs []models.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	switch msgs[len(msgs)-1].Type {
	case models.MessageTypeHuman, models.MessageTypeSupervisor, models.MessageTypeInvocationResult:
		return true
	}
	return false
}

// lastOfType returns the newest message of the given type, or nil.
func lastOfType(msgs []models.Message, t models.MessageType) *models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == t {
			return &msgs[i]
		}
	}
	return nil
}
