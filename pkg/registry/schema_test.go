package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateToolSchema(t *testing.T) {
	valid := []byte(`{
		"type": "object",
		"properties": {
			"orderId": {"type": "string"},
			"reason_code": {"type": "integer"}
		},
		"required": ["orderId"]
	}`)
	assert.NoError(t, ValidateToolSchema(valid))
}

func TestValidateToolSchemaRejectsBadPropertyNames(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"order-id": {"type": "string"}
		}
	}`)
	assert.Error(t, ValidateToolSchema(schema))
}

func TestValidateToolSchemaRejectsMalformedSchema(t *testing.T) {
	assert.Error(t, ValidateToolSchema([]byte(`{not json`)))
	assert.Error(t, ValidateToolSchema([]byte(`{"type":"object","properties":{"a":{"type":"nonsense"}}}`)))
}

func TestValidateAgainstSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {"orderId": {"type": "string"}},
		"required": ["orderId"]
	}`)

	assert.NoError(t, ValidateAgainstSchema(json.RawMessage(`{"orderId":"A-1"}`), schema))
	assert.Error(t, ValidateAgainstSchema(json.RawMessage(`{"orderId":7}`), schema))
	assert.Error(t, ValidateAgainstSchema(json.RawMessage(`{}`), schema))
	assert.Error(t, ValidateAgainstSchema(json.RawMessage(`{"orderId":"A-1","extra":true}`), schema))
}
