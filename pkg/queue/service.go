// Package queue implements the durable job queue: creation with optional
// result caching, long-poll claiming by machines, leaseholder-guarded result
// submission and the approval workflow for interrupted jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
)

// Waker is notified when a run-attached job reaches a terminal state, so the
// agent loop can take its next step. Injected to keep the queue independent
// of the agent engine.
type Waker interface {
	WakeRun(ctx context.Context, clusterID, runID string)
}

// NopWaker ignores wake-ups. Used for tests and workflow-only deployments.
type NopWaker struct{}

func (NopWaker) WakeRun(context.Context, string, string) {}

// Service is the job queue.
type Service struct {
	store     *store.Store
	registry  *registry.Registry
	publisher *events.Publisher
	hub       *events.Hub
	cfg       config.QueueConfig
	waker     Waker
}

// NewService wires the queue service.
func NewService(s *store.Store, reg *registry.Registry, pub *events.Publisher, hub *events.Hub, cfg config.QueueConfig, waker Waker) *Service {
	if waker == nil {
		waker = NopWaker{}
	}
	return &Service{store: s, registry: reg, publisher: pub, hub: hub, cfg: cfg, waker: waker}
}

// SetWaker replaces the waker after construction. The agent engine depends on
// the queue, so the engine is attached once both exist.
func (s *Service) SetWaker(w Waker) {
	s.waker = w
}

// CreateJobParams describes a job to enqueue.
type CreateJobParams struct {
	ClusterID           string
	TargetFn            string
	TargetArgs          json.RawMessage
	RunID               *string
	WorkflowExecutionID *string
	AuthContext         json.RawMessage
	RunContext          json.RawMessage

	// JobID pins the job id for idempotent creates. Empty means generate.
	JobID string
}

// CreateJobResult is what CreateJob returns: the job id plus, on a cache hit,
// the cached terminal result.
type CreateJobResult struct {
	ID         string
	Status     models.JobStatus
	Result     json.RawMessage
	ResultType *models.JobResultType
	Cached     bool
}

// ErrToolNotFound is returned when the target function is not registered.
var ErrToolNotFound = errors.New("tool not found")

// CreateJob enqueues an invocation of a tool. When the tool declares a cache
// and a fresh successful result exists under the same cache key, that result
// is returned instead of enqueuing.
func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (*CreateJobResult, error) {
	tool, err := s.store.GetTool(ctx, p.ClusterID, p.TargetFn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrToolNotFound
		}
		return nil, err
	}

	var cacheKey *string
	if tool.Config.Cache != nil {
		key, ok := CacheKey(p.TargetFn, p.TargetArgs, tool.Config.Cache.KeyPath)
		if ok {
			cacheKey = &key
			cached, err := s.store.FindCachedResult(ctx, p.ClusterID, key, tool.Config.Cache.TTLSeconds)
			if err == nil {
				return &CreateJobResult{
					ID:         cached.ID,
					Status:     cached.Status,
					Result:     cached.Result,
					ResultType: cached.ResultType,
					Cached:     true,
				}, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}

	jobID := p.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &models.Job{
		ID:                  jobID,
		ClusterID:           p.ClusterID,
		RunID:               p.RunID,
		WorkflowExecutionID: p.WorkflowExecutionID,
		TargetFn:            p.TargetFn,
		TargetArgs:          p.TargetArgs,
		MaxAttempts:         tool.Config.MaxAttempts(),
		CacheKey:            cacheKey,
		TimeoutSeconds:      tool.Config.JobTimeoutSeconds(),
		AuthContext:         p.AuthContext,
		RunContext:          p.RunContext,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		ClusterID: p.ClusterID,
		Type:      models.EventTypeJobCreated,
		JobID:     &job.ID,
		RunID:     p.RunID,
		TargetFn:  &p.TargetFn,
	})
	s.publisher.Publish(ctx, events.JobsTopic(p.ClusterID, p.TargetFn))

	return &CreateJobResult{ID: jobID, Status: models.JobStatusPending}, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, clusterID, jobID string) (*models.Job, error) {
	return s.store.GetJob(ctx, clusterID, jobID)
}

// WaitForResult blocks until the job reaches a terminal or interrupted state
// or the wait budget runs out, returning the job's latest snapshot either way.
func (s *Service) WaitForResult(ctx context.Context, clusterID, jobID string, wait time.Duration) (*models.Job, error) {
	if wait > s.cfg.MaxLongPollWait {
		wait = s.cfg.MaxLongPollWait
	}
	deadline := time.Now().Add(wait)

	for {
		ch, cancel := s.hub.Subscribe(events.JobResultTopic(clusterID, jobID))

		job, err := s.store.GetJob(ctx, clusterID, jobID)
		if err != nil {
			cancel()
			return nil, err
		}
		if job.Status.Terminal() || job.Status == models.JobStatusInterrupted || wait <= 0 {
			cancel()
			return job, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cancel()
			return job, nil
		}
		if remaining > s.cfg.LongPollFallbackInterval {
			remaining = s.cfg.LongPollFallbackInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cancel()
			return nil, ctx.Err()
		}
		timer.Stop()
		cancel()
	}
}

// PollParams describes a machine's long-poll claim request.
type PollParams struct {
	Machine registry.MachineInfo
	Tools   []string
	Limit   int
	Wait    time.Duration
}

// Poll claims up to Limit pending jobs for the named tools, blocking up to
// Wait when nothing is pending. Private tools are only served to the machine
// that registered them.
func (s *Service) Poll(ctx context.Context, p PollParams) ([]models.Job, error) {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Wait > s.cfg.MaxLongPollWait {
		p.Wait = s.cfg.MaxLongPollWait
	}

	if _, err := s.registry.RecordPing(ctx, p.Machine); err != nil {
		slog.Warn("machine ping failed", "machine_id", p.Machine.MachineID, "error", err)
	}
	if err := s.registry.RefreshTools(ctx, p.Machine, p.Tools); err != nil {
		slog.Warn("tool refresh failed", "machine_id", p.Machine.MachineID, "error", err)
	}

	eligible, err := s.eligibleTools(ctx, p.Machine, p.Tools)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(p.Wait)
	for {
		// Subscribe before claiming so a job created between the claim and
		// the wait is not missed.
		cancels := make([]func(), 0, len(eligible))
		wake := make(chan struct{}, 1)
		stop := make(chan struct{})
		for _, fn := range eligible {
			ch, cancel := s.hub.Subscribe(events.JobsTopic(p.Machine.ClusterID, fn))
			cancels = append(cancels, cancel)
			go func(ch <-chan struct{}) {
				select {
				case <-ch:
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-stop:
				case <-ctx.Done():
				}
			}(ch)
		}
		cancelAll := func() {
			close(stop)
			for _, c := range cancels {
				c()
			}
		}

		jobs, err := s.store.ClaimJobs(ctx, p.Machine.ClusterID, p.Machine.MachineID, eligible, p.Limit)
		if err != nil {
			cancelAll()
			return nil, err
		}
		if len(jobs) > 0 {
			cancelAll()
			s.acknowledgeClaims(ctx, p.Machine, jobs)
			return jobs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cancelAll()
			return nil, nil
		}
		if remaining > s.cfg.LongPollFallbackInterval {
			remaining = s.cfg.LongPollFallbackInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cancelAll()
			return nil, ctx.Err()
		}
		timer.Stop()
		cancelAll()
	}
}

// eligibleTools filters the requested tool names down to those this machine
// may serve. Unknown names are dropped; private tools require registrant
// identity.
func (s *Service) eligibleTools(ctx context.Context, m registry.MachineInfo, names []string) ([]string, error) {
	tools, err := s.store.ListToolsByName(ctx, m.ClusterID, names)
	if err != nil {
		return nil, err
	}
	var eligible []string
	for _, t := range tools {
		if t.Config.IsPrivate() && (t.MachineID == nil || *t.MachineID != m.MachineID) {
			continue
		}
		eligible = append(eligible, t.Name)
	}
	return eligible, nil
}

func (s *Service) acknowledgeClaims(ctx context.Context, m registry.MachineInfo, jobs []models.Job) {
	for i := range jobs {
		job := &jobs[i]
		s.recordEvent(ctx, &models.Event{
			ID:        uuid.NewString(),
			ClusterID: job.ClusterID,
			Type:      models.EventTypeJobAcknowledged,
			JobID:     &job.ID,
			MachineID: &m.MachineID,
			RunID:     job.RunID,
			TargetFn:  &job.TargetFn,
		})
	}
}

// Heartbeat extends a running job's lease on behalf of its leaseholder.
func (s *Service) Heartbeat(ctx context.Context, clusterID, jobID, machineID string) error {
	return s.store.ExtendJobLease(ctx, clusterID, jobID, machineID)
}

// SubmitResultParams carries a machine's result for a claimed job.
type SubmitResultParams struct {
	ClusterID  string
	JobID      string
	MachineID  string
	ResultType models.JobResultType
	Result     json.RawMessage
}

// SubmitResult finalizes a job with the machine's result. A result value
// carrying the interrupt sentinel moves the job to interrupted instead of a
// terminal state. Only the current leaseholder may submit.
func (s *Service) SubmitResult(ctx context.Context, p SubmitResultParams) (*models.Job, error) {
	if intr := models.ParseInterrupt(p.Result); intr != nil {
		return s.interrupt(ctx, p, intr)
	}

	status := models.JobStatusSuccess
	if p.ResultType == models.ResultTypeRejection {
		status = models.JobStatusFailure
	}

	job, err := s.store.CompleteJob(ctx, p.ClusterID, p.JobID, p.MachineID, status, p.ResultType, p.Result)
	if err != nil {
		return nil, err
	}

	statusStr := string(job.Status)
	s.recordEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		ClusterID: job.ClusterID,
		Type:      models.EventTypeJobResult,
		JobID:     &job.ID,
		MachineID: &p.MachineID,
		RunID:     job.RunID,
		TargetFn:  &job.TargetFn,
		Status:    &statusStr,
	})

	s.afterTerminal(ctx, job)
	return job, nil
}

// interrupt handles the sentinel path of SubmitResult.
func (s *Service) interrupt(ctx context.Context, p SubmitResultParams, intr *models.Interrupt) (*models.Job, error) {
	requestApproval := intr.Type == models.InterruptTypeApproval
	job, err := s.store.InterruptJob(ctx, p.ClusterID, p.JobID, p.MachineID, p.Result, requestApproval)
	if err != nil {
		return nil, err
	}

	// A re-trigger requested while the job ran consumes a general interrupt:
	// the job comes back pending and goes straight in front of claimers.
	if job.Status == models.JobStatusPending {
		s.publisher.Publish(ctx, events.JobsTopic(job.ClusterID, job.TargetFn))
		return job, nil
	}

	if requestApproval {
		s.recordEvent(ctx, &models.Event{
			ID:        uuid.NewString(),
			ClusterID: job.ClusterID,
			Type:      models.EventTypeApprovalRequested,
			JobID:     &job.ID,
			RunID:     job.RunID,
			TargetFn:  &job.TargetFn,
		})
	}

	s.publisher.Publish(ctx, events.JobResultTopic(job.ClusterID, job.ID))
	// A general interrupt pauses the surrounding run; the agent engine picks
	// that up on wake.
	if job.RunID != nil {
		s.waker.WakeRun(ctx, job.ClusterID, *job.RunID)
	}
	return job, nil
}

// Approve records a human decision on an interrupted job. Approval requeues
// the job; denial fails it with a rejection the surrounding run can observe.
func (s *Service) Approve(ctx context.Context, clusterID, jobID string, approved bool) (*models.Job, error) {
	job, err := s.store.ApproveJob(ctx, clusterID, jobID, approved)
	if err != nil {
		return nil, err
	}

	eventType := models.EventTypeApprovalGranted
	if !approved {
		eventType = models.EventTypeApprovalDenied
	}
	s.recordEvent(ctx, &models.Event{
		ID:        uuid.NewString(),
		ClusterID: job.ClusterID,
		Type:      eventType,
		JobID:     &job.ID,
		RunID:     job.RunID,
		TargetFn:  &job.TargetFn,
	})

	if approved {
		s.publisher.Publish(ctx, events.JobsTopic(job.ClusterID, job.TargetFn))
	} else {
		s.afterTerminal(ctx, job)
	}
	return job, nil
}

// afterTerminal runs the fan-out that follows a job reaching a terminal
// state: wake result waiters, append the invocation result to the owning
// run's transcript and nudge the agent loop.
func (s *Service) afterTerminal(ctx context.Context, job *models.Job) {
	s.publisher.Publish(ctx, events.JobResultTopic(job.ClusterID, job.ID))

	if job.RunID == nil {
		return
	}

	resultType := models.ResultTypeResolution
	if job.Status == models.JobStatusFailure {
		resultType = models.ResultTypeRejection
	}
	if job.ResultType != nil {
		resultType = *job.ResultType
	}
	data, err := json.Marshal(models.InvocationResultData{
		ID:         job.ID,
		ToolName:   job.TargetFn,
		ResultType: resultType,
		Result:     job.Result,
	})
	if err != nil {
		slog.Error("failed to marshal invocation result", "job_id", job.ID, "error", err)
		return
	}
	msg := &models.Message{
		ID:        models.NewMessageID(),
		ClusterID: job.ClusterID,
		RunID:     *job.RunID,
		Type:      models.MessageTypeInvocationResult,
		Data:      data,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		slog.Error("failed to append invocation result", "job_id", job.ID, "run_id", *job.RunID, "error", err)
		return
	}

	s.publisher.Publish(ctx, events.RunTopic(job.ClusterID, *job.RunID))
	s.waker.WakeRun(ctx, job.ClusterID, *job.RunID)
}

func (s *Service) recordEvent(ctx context.Context, e *models.Event) {
	if err := s.store.InsertEvent(ctx, e); err != nil {
		slog.Warn("failed to record event", "type", e.Type, "error", err)
	}
}
