// Package cleanup enforces data retention: aged audit log rows and finished
// detached jobs are pruned on a timer. All operations are idempotent and safe
// to run from multiple pods.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/store"
)

// Service is the background retention loop.
type Service struct {
	cfg   *config.RetentionConfig
	store *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{cfg: cfg, store: st}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.cfg.EventTTL,
		"job_retention", s.cfg.JobRetention,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneEvents(ctx)
	s.pruneJobs(ctx)
}

func (s *Service) pruneEvents(ctx context.Context) {
	count, err := s.store.DeleteOldEvents(ctx, s.cfg.EventTTL)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned old events", "count", count)
	}
}

func (s *Service) pruneJobs(ctx context.Context) {
	count, err := s.store.DeleteOldDetachedJobs(ctx, s.cfg.JobRetention)
	if err != nil {
		slog.Error("Retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned old detached jobs", "count", count)
	}
}
