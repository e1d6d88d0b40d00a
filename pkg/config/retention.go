package config

import "time"

// RetentionConfig controls background pruning of aged data.
type RetentionConfig struct {
	// EventTTL is how long audit log rows are kept.
	EventTTL time.Duration

	// JobRetention is how long finished jobs without an owning run are kept.
	// Run-attached jobs stay with their run's transcript.
	JobRetention time.Duration

	// CleanupInterval is how often the retention pass runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:        getEnvDuration("EVENT_TTL", 7*24*time.Hour),
		JobRetention:    getEnvDuration("JOB_RETENTION", 30*24*time.Hour),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
	}
}
