package config

import "time"

// AgentConfig controls the run state machine.
type AgentConfig struct {
	// MaxMessages aborts a run once its message log reaches this size.
	MaxMessages int

	// RecentWindow is the tail length inspected by the loop guard: if the
	// last RecentWindow messages contain no human or invocation-result
	// message, the model is looping and the run fails.
	RecentWindow int

	// ModelContextWindow is the token budget assumed for the model.
	ModelContextWindow int

	// SystemPromptBudget and TotalBudget are the fractions of the context
	// window allowed for the system prompt alone and for system + messages.
	SystemPromptBudget float64
	TotalBudget        float64

	// StepTimeout bounds a single model step.
	StepTimeout time.Duration
}

// DefaultAgentConfig returns the built-in agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MaxMessages:        getEnvInt("AGENT_MAX_MESSAGES", 100),
		RecentWindow:       10,
		ModelContextWindow: getEnvInt("MODEL_CONTEXT_WINDOW", 200_000),
		SystemPromptBudget: 0.7,
		TotalBudget:        0.95,
		StepTimeout:        getEnvDuration("AGENT_STEP_TIMEOUT", 2*time.Minute),
	}
}
