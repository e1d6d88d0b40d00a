package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the per-run message union.
type MessageType string

const (
	MessageTypeHuman            MessageType = "human"
	MessageTypeAgent            MessageType = "agent"
	MessageTypeInvocationResult MessageType = "invocation-result"
	MessageTypeTemplate         MessageType = "template"
	MessageTypeSupervisor       MessageType = "supervisor"
	MessageTypeAgentInvalid     MessageType = "agent-invalid"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeHuman, MessageTypeAgent, MessageTypeInvocationResult,
		MessageTypeTemplate, MessageTypeSupervisor, MessageTypeAgentInvalid:
		return true
	}
	return false
}

// Message is one entry in a run's append-only, totally ordered log.
// Data is kept raw so unknown future fields round-trip untouched; typed
// accessors decode the variants the engine needs.
type Message struct {
	ID        string          `json:"id"`
	ClusterID string          `json:"clusterId"`
	RunID     string          `json:"runId"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewMessageID returns a time-ordered, lexicographically sortable id.
// UUIDv7 embeds a millisecond timestamp prefix, so ids created later always
// sort after ids created earlier.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than panicking in a hot path.
		return uuid.NewString()
	}
	return id.String()
}

// Invocation is a single tool call requested by an agent message.
type Invocation struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// AgentMessageData is the payload of an "agent" message.
type AgentMessageData struct {
	Invocations []Invocation    `json:"invocations,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Message     *string         `json:"message,omitempty"`
	Issue       *string         `json:"issue,omitempty"`
}

// InvocationResultData is the payload of an "invocation-result" message; its
// ID references the invocation it answers.
type InvocationResultData struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"toolName"`
	ResultType JobResultType   `json:"resultType"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TextMessageData is the payload of human/supervisor/template messages.
type TextMessageData struct {
	Message string `json:"message"`
}

// DecodeAgentData decodes the message payload as an agent message.
func (m *Message) DecodeAgentData() (*AgentMessageData, error) {
	var data AgentMessageData
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeInvocationResult decodes the payload as an invocation result.
func (m *Message) DecodeInvocationResult() (*InvocationResultData, error) {
	var data InvocationResultData
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeText decodes the payload as a plain text message.
func (m *Message) DecodeText() (*TextMessageData, error) {
	var data TextMessageData
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
