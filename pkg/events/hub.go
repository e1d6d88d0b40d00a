// Package events carries wake-up signals between pods. State lives in
// Postgres; a signal only tells a waiting long-poller that it is worth
// re-reading the database. Delivery is best-effort: a lost signal degrades to
// the poll fallback interval, never to a lost state change.
package events

import (
	"context"
	"sync"
)

// Topic names a class of wake-ups. Waiters subscribe to the exact topic
// string; publishers fire the same string.
type Topic = string

// JobsTopic wakes machines long-polling for pending jobs on a tool.
func JobsTopic(clusterID, targetFn string) Topic {
	return "jobs:" + clusterID + ":" + targetFn
}

// JobResultTopic wakes callers blocked on a specific job's result.
func JobResultTopic(clusterID, jobID string) Topic {
	return "job-result:" + clusterID + ":" + jobID
}

// RunTopic wakes watchers of a run's transcript and status.
func RunTopic(clusterID, runID string) Topic {
	return "run:" + clusterID + ":" + runID
}

// Hub fans wake-up signals out to in-process subscribers. Channels are
// buffered with capacity 1 and signals coalesce: a waiter that misses N
// signals still wakes exactly once, which is all a poll loop needs.
type Hub struct {
	mu   sync.Mutex
	subs map[Topic]map[chan struct{}]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[Topic]map[chan struct{}]struct{})}
}

// Subscribe registers a waiter on topic. The returned cancel func must be
// called when the waiter is done, typically via defer.
func (h *Hub) Subscribe(topic Topic) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[topic]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish wakes every current subscriber of topic without blocking.
func (h *Hub) Publish(topic Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the topic fires, the timeout channel fires, or ctx ends.
// It reports whether a wake-up was received.
func (h *Hub) Wait(ctx context.Context, topic Topic, timeout <-chan struct{}) bool {
	ch, cancel := h.Subscribe(topic)
	defer cancel()
	select {
	case <-ch:
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}
