package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/models"
)

// reaperState tracks reaper metrics (thread-safe).
type reaperState struct {
	mu           sync.Mutex
	lastScan     time.Time
	jobsRequeued int
	jobsFailed   int
}

// Reaper periodically expires the leases of running jobs whose machines have
// gone quiet. All pods run one independently; the row-level compare-and-set
// in the store makes the scans idempotent.
type Reaper struct {
	service  *Service
	interval time.Duration
	state    reaperState
	stopCh   chan struct{}
	done     chan struct{}
}

// NewReaper creates a Reaper over the queue service.
func NewReaper(service *Service, interval time.Duration) *Reaper {
	return &Reaper{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.scan(ctx); err != nil {
					slog.Error("lease reaper scan failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the scan loop and waits for it to exit.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.done
}

const reapBatchSize = 100

// scan expires one batch of lapsed leases and fans out the consequences.
func (r *Reaper) scan(ctx context.Context) error {
	reaped, err := r.service.store.ReapExpiredLeases(ctx, reapBatchSize)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		r.state.mu.Lock()
		r.state.lastScan = time.Now()
		r.state.mu.Unlock()
		return nil
	}

	slog.Warn("expired job leases", "count", len(reaped))

	requeued, failed := 0, 0
	for i := range reaped {
		job := &reaped[i].Job
		if reaped[i].Retried {
			requeued++
			r.service.recordEvent(ctx, &models.Event{
				ID:        uuid.NewString(),
				ClusterID: job.ClusterID,
				Type:      models.EventTypeJobRecovered,
				JobID:     &job.ID,
				RunID:     job.RunID,
				TargetFn:  &job.TargetFn,
			})
			// Back on the queue; wake pollers for another attempt.
			r.service.publisher.Publish(ctx, events.JobsTopic(job.ClusterID, job.TargetFn))
			continue
		}

		failed++
		r.service.recordEvent(ctx, &models.Event{
			ID:        uuid.NewString(),
			ClusterID: job.ClusterID,
			Type:      models.EventTypeJobStalled,
			JobID:     &job.ID,
			RunID:     job.RunID,
			TargetFn:  &job.TargetFn,
		})
		r.service.afterTerminal(ctx, job)
	}

	r.state.mu.Lock()
	r.state.lastScan = time.Now()
	r.state.jobsRequeued += requeued
	r.state.jobsFailed += failed
	r.state.mu.Unlock()
	return nil
}

// RecoverStartupOrphans resets running jobs left over from a previous process
// to pending. Called once during startup, before serving traffic. Safe only
// when the deployment has a single pod or all pods restart together; a
// multi-pod rollout relies on the lease reaper instead.
func (r *Reaper) RecoverStartupOrphans(ctx context.Context) error {
	n, err := r.service.store.RecoverOrphanedJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("recovered startup orphan jobs", "count", n)
	}
	return nil
}
