package agent

import (
	"encoding/json"
	"strings"

	"github.com/agentplane/agentplane/pkg/models"
)

// Behavioral rules, in their fixed order. The grounding rule is appended only
// when the run enables result grounding.
var systemRules = []string{
	"You are a helpful assistant with access to a set of tools designed to assist in completing tasks.",
	"You do not respond to greetings or small talk, and instead explain that you cannot help with that.",
	"Use the tools at your disposal to achieve the task requested.",
	"If you cannot complete a task with the given tools, mark the request as done and explain the reason clearly in the message field.",
	"If there is nothing left to do, mark the request as done and provide the final result.",
	"If you encounter invocation errors, read the error carefully, adjust the input and retry before giving up.",
	"When possible, return multiple invocations at once so independent tools run in parallel.",
}

const groundingRule = "When referring to tool results, reference the json object path as `{{id}}` notation so values can be resolved against the original result."

// PromptBuilder assembles the per-step system prompt. Stateless; all state
// comes from parameters.
type PromptBuilder struct{}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// BuildSystemPrompt composes, in order: the fixed behavioral rules, the run's
// own system prompt, the cluster's additional context, the schemas of the
// relevant tools and the names of every other callable tool.
func (b *PromptBuilder) BuildSystemPrompt(run *models.Run, additionalContext *string, relevant []models.Tool, otherNames []string) string {
	var sb strings.Builder

	for _, rule := range systemRules {
		sb.WriteString(rule)
		sb.WriteString("\n")
	}
	if run.EnableResultGrounding {
		sb.WriteString(groundingRule)
		sb.WriteString("\n")
	}

	if run.SystemPrompt != nil && *run.SystemPrompt != "" {
		sb.WriteString("\n")
		sb.WriteString(*run.SystemPrompt)
		sb.WriteString("\n")
	}
	if additionalContext != nil && *additionalContext != "" {
		sb.WriteString("\n")
		sb.WriteString(*additionalContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\n<TOOLS_SCHEMAS>\n")
	for _, t := range relevant {
		sb.WriteString(toolSchemaLine(&t))
		sb.WriteString("\n")
	}
	sb.WriteString("</TOOLS_SCHEMAS>\n")

	sb.WriteString("\n<OTHER_AVAILABLE_TOOLS>\n")
	for _, name := range otherNames {
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	sb.WriteString("</OTHER_AVAILABLE_TOOLS>")

	return sb.String()
}

// toolSchemaLine renders one tool as a compact JSON object.
func toolSchemaLine(t *models.Tool) string {
	entry := map[string]any{"name": t.Name}
	if t.Description != nil && *t.Description != "" {
		entry["description"] = *t.Description
	}
	if len(t.Schema) > 0 {
		entry["schema"] = json.RawMessage(t.Schema)
	}
	out, err := json.Marshal(entry)
	if err != nil {
		return t.Name
	}
	return string(out)
}
