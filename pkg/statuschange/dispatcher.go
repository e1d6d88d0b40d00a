// Package statuschange delivers run status transitions to their configured
// targets: another job, a webhook, or the workflow execution awaiting the
// run. Delivery is at-least-once; targets must tolerate duplicates.
package statuschange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/store"
)

// Dispatcher fans a run's status transitions out to its onStatusChange
// target.
type Dispatcher struct {
	store     *store.Store
	queue     *queue.Service
	publisher *events.Publisher
	cfg       config.DispatchConfig
	client    *http.Client
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(s *store.Store, q *queue.Service, pub *events.Publisher, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		store:     s,
		queue:     q,
		publisher: pub,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.WebhookAttemptTimeout},
	}
}

// RunStatusChanged records the transition and, when the run subscribes to
// this status, delivers the notification. Errors are logged, not returned:
// a failed delivery must not fail the transition that caused it.
func (d *Dispatcher) RunStatusChanged(ctx context.Context, run *models.Run, status models.RunStatus) {
	statusStr := string(status)
	if err := d.store.InsertEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		ClusterID: run.ClusterID,
		Type:      models.EventTypeRunStatusChanged,
		RunID:     &run.ID,
		Status:    &statusStr,
	}); err != nil {
		slog.Warn("failed to record run status event", "run_id", run.ID, "error", err)
	}
	d.publisher.Publish(ctx, events.RunTopic(run.ClusterID, run.ID))

	if run.OnStatusChange == nil || !run.OnStatusChange.Fires(status) {
		return
	}

	summary := models.RunSummary{
		RunID:  run.ID,
		Status: status,
		Result: run.Result,
		Tags:   run.Tags,
	}

	var err error
	switch run.OnStatusChange.Type {
	case models.OnStatusChangeFunction, models.OnStatusChangeTool:
		err = d.deliverJob(ctx, run, summary)
	case models.OnStatusChangeWebhook:
		err = d.deliverWebhook(ctx, run, summary)
	case models.OnStatusChangeWorkflow:
		err = d.retriggerWorkflow(ctx, run)
	default:
		err = fmt.Errorf("unknown onStatusChange type %q", run.OnStatusChange.Type)
	}

	eventType := models.EventTypeNotificationSent
	if err != nil {
		eventType = models.EventTypeNotificationFailed
		slog.Error("status change delivery failed",
			"run_id", run.ID, "status", status, "target", run.OnStatusChange.Type, "error", err)
	}
	if evErr := d.store.InsertEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		ClusterID: run.ClusterID,
		Type:      eventType,
		RunID:     &run.ID,
		Status:    &statusStr,
	}); evErr != nil {
		slog.Warn("failed to record notification event", "run_id", run.ID, "error", evErr)
	}
}

// deliverJob enqueues the summary as a job targeting the configured function
// or tool in the run's own cluster.
func (d *Dispatcher) deliverJob(ctx context.Context, run *models.Run, summary models.RunSummary) error {
	target := run.OnStatusChange.Function
	if run.OnStatusChange.Type == models.OnStatusChangeTool {
		target = run.OnStatusChange.Tool
	}
	input, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = d.queue.CreateJob(ctx, queue.CreateJobParams{
		ClusterID:  run.ClusterID,
		TargetFn:   *target,
		TargetArgs: input,
		// A deterministic id keeps repeated deliveries of the same
		// transition from enqueueing duplicate jobs.
		JobID: "osc-" + run.ID + "-" + string(summary.Status),
	})
	return err
}

// deliverWebhook POSTs the summary with exponential backoff.
func (d *Dispatcher) deliverWebhook(ctx context.Context, run *models.Run, summary models.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	url := *run.OnStatusChange.URL

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook responded %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not improve with retries.
			return backoff.Permanent(fmt.Errorf("webhook responded %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.cfg.WebhookMaxElapsed
	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.cfg.WebhookMaxRetries)), ctx))
}

// retriggerWorkflow puts the awaiting workflow job back on the queue so its
// handler re-enters. Re-triggering an execution whose job is already pending
// is a no-op, which keeps duplicate deliveries harmless. A job still running
// has the request recorded on its row and re-enters when its interrupt lands.
func (d *Dispatcher) retriggerWorkflow(ctx context.Context, run *models.Run) error {
	executionID := run.OnStatusChange.Workflow.ExecutionID
	we, err := d.store.GetWorkflowExecutionByID(ctx, run.ClusterID, executionID)
	if err != nil {
		return fmt.Errorf("workflow execution %s: %w", executionID, err)
	}

	if err := d.store.ResetJobForRetrigger(ctx, run.ClusterID, we.JobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}

	job, err := d.store.GetJob(ctx, run.ClusterID, we.JobID)
	if err != nil {
		return err
	}
	d.publisher.Publish(ctx, events.JobsTopic(run.ClusterID, job.TargetFn))
	return nil
}
