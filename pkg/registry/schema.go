package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentplane/agentplane/pkg/models"
)

// ValidateToolSchema checks that a registered input schema compiles as JSON
// Schema and that its top-level property names fit the allowed alphabet.
func ValidateToolSchema(schemaBytes []byte) error {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	if obj, ok := schemaDoc.(map[string]any); ok {
		if props, ok := obj["properties"].(map[string]any); ok {
			for name := range props {
				if !models.ValidSchemaProperty(name) {
					return fmt.Errorf("property name %q: only letters, digits and underscores are allowed", name)
				}
			}
		}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// ValidateAgainstSchema validates a JSON value against a compiled schema.
func ValidateAgainstSchema(value json.RawMessage, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(value, &doc); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return schema.Validate(doc)
}
