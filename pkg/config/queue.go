package config

import "time"

// QueueConfig controls job claiming, leases, and the reaper.
type QueueConfig struct {
	// LongPollFallbackInterval is the bounded re-check cadence while a
	// long-poll waits. Correctness does not depend on NOTIFY delivery; this
	// poll guarantees progress.
	LongPollFallbackInterval time.Duration

	// MaxLongPollWait caps client-requested waitTime values.
	MaxLongPollWait time.Duration

	// ReaperInterval is how often expired leases are scanned.
	ReaperInterval time.Duration

	// MachineUpsertWindow throttles machine row writes to one per machine
	// per window. Best-effort: correctness does not depend on it.
	MachineUpsertWindow time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		LongPollFallbackInterval: getEnvDuration("QUEUE_POLL_FALLBACK", time.Second),
		MaxLongPollWait:          getEnvDuration("QUEUE_MAX_WAIT", 20*time.Second),
		ReaperInterval:           getEnvDuration("QUEUE_REAPER_INTERVAL", 5*time.Second),
		MachineUpsertWindow:      getEnvDuration("MACHINE_UPSERT_WINDOW", 60*time.Second),
	}
}
