package config

import "time"

// DispatchConfig controls status-change delivery.
type DispatchConfig struct {
	// WebhookAttemptTimeout bounds a single webhook POST.
	WebhookAttemptTimeout time.Duration

	// WebhookMaxElapsed bounds total retry time for one delivery.
	WebhookMaxElapsed time.Duration

	// WebhookMaxRetries caps delivery attempts.
	WebhookMaxRetries uint64
}

// DefaultDispatchConfig returns the built-in dispatcher defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		WebhookAttemptTimeout: getEnvDuration("WEBHOOK_ATTEMPT_TIMEOUT", 10*time.Second),
		WebhookMaxElapsed:     getEnvDuration("WEBHOOK_MAX_ELAPSED", 2*time.Minute),
		WebhookMaxRetries:     5,
	}
}
