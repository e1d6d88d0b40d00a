package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// AgentRunID derives the deterministic run id for an agent triggered inside a
// workflow execution. The hash covers everything that shapes the run, over a
// canonical serialization so key order cannot perturb it: the same trigger in
// a re-entered handler always lands on the same run.
func AgentRunID(executionID, agentName, workflowName string, version int, systemPrompt string, resultSchema, input json.RawMessage) string {
	h := sha256.New()
	writeField := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	writeField(systemPrompt)
	writeField(canonicalJSON(resultSchema))
	writeField(workflowName)
	writeField(strconv.Itoa(version))
	writeField(canonicalJSON(input))

	sum := h.Sum(nil)
	return executionID + "_" + agentName + "_" + hex.EncodeToString(sum[:8])
}

// canonicalJSON re-marshals raw JSON through Go maps, which sorts object keys.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
