package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// outputToolName is the forced tool that carries the structured step object.
const outputToolName = "respond"

// MessagesClient is the subset of the Anthropic SDK used here. Satisfied by
// *sdk.MessageService; tests substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic-backed model.
type AnthropicOptions struct {
	ModelID       string
	MaxTokens     int
	ContextWindow int
}

// Anthropic implements Model on the Claude Messages API. Structured output is
// obtained by forcing a single "respond" tool whose input schema is the
// composed step schema; any other tool_use blocks in the reply surface as
// RawToolCalls.
type Anthropic struct {
	msg           MessagesClient
	modelID       string
	maxTokens     int
	contextWindow int
}

// NewAnthropic builds the provider from a messages client.
func NewAnthropic(msg MessagesClient, opts AnthropicOptions) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	contextWindow := opts.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 200_000
	}
	return &Anthropic{msg: msg, modelID: opts.ModelID, maxTokens: maxTokens, contextWindow: contextWindow}, nil
}

// NewAnthropicFromAPIKey constructs the provider with the default HTTP client.
func NewAnthropicFromAPIKey(apiKey string, opts AnthropicOptions) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, opts)
}

// Structured performs one step via Messages.New with tool choice forced to
// the output tool.
func (a *Anthropic) Structured(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	var schemaFields map[string]any
	if err := json.Unmarshal(req.OutputSchema, &schemaFields); err != nil {
		return nil, fmt.Errorf("anthropic: output schema: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}

	outputTool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, outputToolName)
	if outputTool.OfTool != nil {
		outputTool.OfTool.Description = sdk.String("Emit the next step of the session as a single structured object.")
	}

	params := sdk.MessageNewParams{
		Model:      sdk.Model(a.modelID),
		MaxTokens:  int64(maxTokens),
		Messages:   msgs,
		Tools:      []sdk.ToolUnionParam{outputTool},
		ToolChoice: sdk.ToolChoiceParamOfTool(outputToolName),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	resp := &Response{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			input := json.RawMessage(block.Input)
			if block.Name == outputToolName && resp.Structured == nil {
				resp.Structured = input
				continue
			}
			resp.RawToolCalls = append(resp.RawToolCalls, RawToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp, nil
}

// ContextWindow implements Model.
func (a *Anthropic) ContextWindow() int { return a.contextWindow }

// EstimateTokens implements Model with the usual 4-characters-per-token
// heuristic. Good enough for budget trimming.
func (a *Anthropic) EstimateTokens(text string) int {
	return len(text)/4 + 1
}
