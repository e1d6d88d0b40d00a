package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentRunIDDeterministic(t *testing.T) {
	id1 := AgentRunID("exec-1", "triage", "refund", 1, "review the order", nil, json.RawMessage(`{"a":1,"b":2}`))
	id2 := AgentRunID("exec-1", "triage", "refund", 1, "review the order", nil, json.RawMessage(`{"b":2,"a":1}`))
	// Key order in the input JSON does not change the id.
	assert.Equal(t, id1, id2)
}

func TestAgentRunIDDiscriminates(t *testing.T) {
	base := AgentRunID("exec-1", "triage", "refund", 1, "p", nil, json.RawMessage(`{"a":1}`))

	assert.NotEqual(t, base, AgentRunID("exec-2", "triage", "refund", 1, "p", nil, json.RawMessage(`{"a":1}`)))
	assert.NotEqual(t, base, AgentRunID("exec-1", "review", "refund", 1, "p", nil, json.RawMessage(`{"a":1}`)))
	assert.NotEqual(t, base, AgentRunID("exec-1", "triage", "refund", 2, "p", nil, json.RawMessage(`{"a":1}`)))
	assert.NotEqual(t, base, AgentRunID("exec-1", "triage", "refund", 1, "other", nil, json.RawMessage(`{"a":1}`)))
	assert.NotEqual(t, base, AgentRunID("exec-1", "triage", "refund", 1, "p", nil, json.RawMessage(`{"a":2}`)))
	assert.NotEqual(t, base, AgentRunID("exec-1", "triage", "refund", 1, "p", json.RawMessage(`{"type":"object"}`), json.RawMessage(`{"a":1}`)))
}

func TestAgentRunIDPrefix(t *testing.T) {
	id := AgentRunID("exec-1", "triage", "refund", 1, "", nil, nil)
	assert.Contains(t, id, "exec-1_triage_")
}

func TestMemoKey(t *testing.T) {
	assert.Equal(t, "exec-1_memo_step1", MemoKey("exec-1", "step1"))
	// Keys from different executions never collide.
	assert.NotEqual(t, MemoKey("exec-1", "k"), MemoKey("exec-2", "k"))
}
