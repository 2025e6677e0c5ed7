// Package anthropic provides an agent backed by the Anthropic Messages
// streaming API. The agent emits raw anthropic.MessageStreamEventUnion
// values; register it with Translator() so the engine maps them to events.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/aguimesh/core"
	anthropictr "github.com/hupe1980/aguimesh/translate/anthropic"
)

// Options configures the Anthropic agent (model id, temperature, max
// tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	Description string
}

// Agent streams one message per run.
type Agent struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// New creates an agent using the official client. Without APIKey the client
// reads ANTHROPIC_API_KEY from the environment.
func New(optFns ...func(o *Options)) *Agent {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Agent{client: &client, opts: opts}
}

// NewFromClient creates an agent from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Agent {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Agent{client: client, opts: opts}
}

// Translator returns the translator factory for the stream events this
// agent emits.
func (a *Agent) Translator() core.TranslatorFactory { return anthropictr.Factory() }

// Description implements core.Describer.
func (a *Agent) Description() string {
	if a.opts.Description != "" {
		return a.opts.Description
	}
	return "Anthropic " + string(a.opts.Model)
}

// Run implements core.Agent.
func (a *Agent) Run(rc *core.RunContext) error {
	params, err := a.buildParams(rc.Input)
	if err != nil {
		return err
	}
	stream := a.client.Messages.NewStreaming(rc.Context(), params)
	defer stream.Close()

	for stream.Next() {
		if err := rc.Emit(stream.Current()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic streaming error: %w", err)
	}
	return nil
}

func (a *Agent) buildParams(input core.RunInput) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		Messages:    buildMessages(input.Messages),
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
	}
	if system := extractSystem(input.Messages); len(system) > 0 {
		params.System = system
	}
	if len(input.Tools) > 0 {
		tools, err := buildTools(input.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

// buildMessages converts input messages to Anthropic messages. System
// messages go to the system prompt. Tool results are sent as tool_result
// blocks in a user turn; consecutive results share one turn.
func buildMessages(in []core.InputMessage) []anthropic.MessageParam {
	var (
		messages    []anthropic.MessageParam
		lastIsTools bool
	)
	for _, m := range in {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			if lastIsTools {
				last := &messages[len(messages)-1]
				last.Content = append(last.Content, block)
			} else {
				messages = append(messages, anthropic.NewUserMessage(block))
			}
			lastIsTools = true
			continue
		case core.RoleAssistant:
			content := buildAssistantContent(m)
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
		lastIsTools = false
	}
	return messages
}

func buildAssistantContent(m core.InputMessage) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	if m.Content != "" {
		content = append(content, anthropic.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = tc.Arguments // fallback to string
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return content
}

// extractSystem joins system messages into system prompt blocks.
func extractSystem(in []core.InputMessage) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range in {
		if m.Role == core.RoleSystem && strings.TrimSpace(m.Content) != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

// buildTools converts client tool definitions to Anthropic tools. Only the
// schema's properties and required list are forwarded.
func buildTools(tools []core.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if len(tool.Parameters) > 0 {
			var schema struct {
				Properties any      `json:"properties"`
				Required   []string `json:"required"`
			}
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s parameters: %w", tool.Name, err)
			}
			inputSchema.Properties = schema.Properties
			inputSchema.Required = schema.Required
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if tool.Description != "" && out[i].OfTool != nil {
			out[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}
	return out, nil
}
