package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentplane/agentplane/pkg/models"
)

func TestBuildSystemPrompt(t *testing.T) {
	b := NewPromptBuilder()
	system := "You review refund requests."
	extra := "All amounts are in EUR."
	desc := "Fetch an order"

	run := &models.Run{SystemPrompt: &system}
	relevant := []models.Tool{
		{Name: "getOrder", Description: &desc, Schema: json.RawMessage(`{"type":"object"}`)},
	}

	prompt := b.BuildSystemPrompt(run, &extra, relevant, []string{"refund", "notify"})

	assert.Contains(t, prompt, system)
	assert.Contains(t, prompt, extra)
	assert.Contains(t, prompt, "<TOOLS_SCHEMAS>")
	assert.Contains(t, prompt, `"name":"getOrder"`)
	assert.Contains(t, prompt, `"description":"Fetch an order"`)
	assert.Contains(t, prompt, "<OTHER_AVAILABLE_TOOLS>")
	assert.Contains(t, prompt, "refund\nnotify")

	// Rules come before the run's own prompt.
	assert.Less(t, strings.Index(prompt, systemRules[0]), strings.Index(prompt, system))
}

func TestBuildSystemPromptGrounding(t *testing.T) {
	b := NewPromptBuilder()

	without := b.BuildSystemPrompt(&models.Run{}, nil, nil, nil)
	assert.NotContains(t, without, "{{id}}")

	with := b.BuildSystemPrompt(&models.Run{EnableResultGrounding: true}, nil, nil, nil)
	assert.Contains(t, with, "{{id}}")
}
