package events

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the single Postgres NOTIFY channel all pods share. The
// payload is the topic string; fan-out by topic happens in each pod's Hub.
const NotifyChannel = "agentplane_wake"

// Publisher delivers wake-up signals to the local hub and, through Postgres
// NOTIFY, to every other pod's hub.
type Publisher struct {
	hub  *Hub
	pool *pgxpool.Pool
}

// NewPublisher creates a Publisher. pool may be nil in tests, in which case
// signals stay in-process.
func NewPublisher(hub *Hub, pool *pgxpool.Pool) *Publisher {
	return &Publisher{hub: hub, pool: pool}
}

// Publish wakes local subscribers immediately and broadcasts the topic to
// other pods. The NOTIFY leg is best-effort: on error the fallback poll
// interval covers the gap.
func (p *Publisher) Publish(ctx context.Context, topic Topic) {
	p.hub.Publish(topic)

	if p.pool == nil {
		return
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, topic); err != nil {
		slog.Warn("pg_notify failed", "topic", topic, "error", err)
	}
}
