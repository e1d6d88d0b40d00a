// Package model abstracts the LLM behind a structured-output interface. The
// agent engine asks for one JSON object per step; providers are free to
// satisfy that with forced tool use, native structured output or anything
// else, as long as the object comes back raw for validation upstream.
package model

import (
	"context"
	"encoding/json"
)

// Role is a conversation role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of rendered conversation handed to the provider.
type ChatMessage struct {
	Role Role
	Text string
}

// Request asks for a single structured step.
type Request struct {
	System string
	// Messages is the trimmed window, oldest first.
	Messages []ChatMessage
	// OutputSchema is the composed JSON Schema the reply must satisfy.
	OutputSchema json.RawMessage
	MaxTokens    int
}

// RawToolCall is a provider-native tool invocation emitted outside the
// structured output channel. The engine folds these into the step result.
type RawToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response is the provider's answer to a structured request.
type Response struct {
	// Structured is the raw JSON object from the output channel, nil when
	// the provider produced none.
	Structured json.RawMessage
	// Text is any free text emitted alongside.
	Text string
	// RawToolCalls are native tool_use blocks other than the output channel.
	RawToolCalls []RawToolCall

	InputTokens  int
	OutputTokens int
}

// Model is the capability the agent engine depends on.
type Model interface {
	// Structured performs one model step.
	Structured(ctx context.Context, req Request) (*Response, error)
	// ContextWindow is the provider's context size in tokens.
	ContextWindow() int
	// EstimateTokens approximates the token count of a text fragment, used
	// for window trimming. Precision is not required, monotonicity is.
	EstimateTokens(text string) int
}
