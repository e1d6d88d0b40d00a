package model

import (
	"encoding/json"
	"fmt"
)

// OutputSchemaParams selects what the composed step schema admits.
type OutputSchemaParams struct {
	// ToolNames is the callable set; empty disables the invocations branch.
	ToolNames []string
	// ResultSchema, when set, types the final result; otherwise result is a
	// free-form object.
	ResultSchema json.RawMessage
	// ReasoningTraces adds a per-invocation reasoning field.
	ReasoningTraces bool
}

// BuildOutputSchema composes the JSON Schema for one agent step: an object
// that may carry tool invocations, a final result, a user-facing message or
// an issue. The schema is intentionally permissive about which branch is
// present; the engine enforces the exclusivity rules itself so it can answer
// with a supervisor correction instead of a hard provider error.
func BuildOutputSchema(p OutputSchemaParams) (json.RawMessage, error) {
	invocationProps := map[string]any{
		"toolName": map[string]any{
			"type": "string",
			"enum": p.ToolNames,
		},
		"input": map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
	}
	required := []string{"toolName", "input"}
	if p.ReasoningTraces {
		invocationProps["reasoning"] = map[string]any{"type": "string"}
	}

	properties := map[string]any{
		"done":    map[string]any{"type": "boolean"},
		"message": map[string]any{"type": "string"},
		"issue":   map[string]any{"type": "string"},
	}
	if len(p.ToolNames) > 0 {
		properties["invocations"] = map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           invocationProps,
				"required":             required,
			},
		}
	}
	if len(p.ResultSchema) > 0 {
		var resultSchema any
		if err := json.Unmarshal(p.ResultSchema, &resultSchema); err != nil {
			return nil, fmt.Errorf("invalid result schema: %w", err)
		}
		properties["result"] = resultSchema
	} else {
		properties["result"] = map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output schema: %w", err)
	}
	return out, nil
}
