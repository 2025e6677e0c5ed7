// Package openai provides an agent backed by the OpenAI Chat Completions
// streaming API. The agent emits raw openai.ChatCompletionChunk values;
// register it with Translator() so the engine maps them to events.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/aguimesh/core"
	openaitr "github.com/hupe1980/aguimesh/translate/openai"
)

// Options configure the OpenAI agent.
// Fields mirror a subset of Chat Completion parameters.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Description         string
	// APIKey overrides OPENAI_API_KEY. Only New reads it.
	APIKey string
}

// Agent streams one chat completion per run.
type Agent struct {
	client *openai.Client
	opts   Options
}

// New creates an agent using the official client. The client reads
// OPENAI_API_KEY and OPENAI_BASE_URL from the environment.
func New(optFns ...func(o *Options)) *Agent {
	opts := newOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Agent{client: &client, opts: opts}
}

// NewFromClient creates an agent from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Agent {
	return &Agent{client: client, opts: newOptions(optFns)}
}

func newOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Translator returns the translator factory for the chunks this agent
// emits.
func (a *Agent) Translator() core.TranslatorFactory { return openaitr.Factory() }

// Description implements core.Describer.
func (a *Agent) Description() string {
	if a.opts.Description != "" {
		return a.opts.Description
	}
	return "OpenAI " + a.opts.Model
}

// Run implements core.Agent.
func (a *Agent) Run(rc *core.RunContext) error {
	params, err := a.buildParams(rc.Input)
	if err != nil {
		return err
	}
	stream := a.client.Chat.Completions.NewStreaming(rc.Context(), params)
	defer stream.Close()

	for stream.Next() {
		if err := rc.Emit(stream.Current()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}
	return nil
}

// buildParams assembles the request from the run input.
func (a *Agent) buildParams(input core.RunInput) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(input.Messages),
		Model:               a.opts.Model,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}
	if len(input.Tools) == 0 {
		return params, nil
	}
	tools := make([]openai.ChatCompletionToolParam, len(input.Tools))
	for i, tdef := range input.Tools {
		var schema map[string]any
		if len(tdef.Parameters) > 0 {
			if err := json.Unmarshal(tdef.Parameters, &schema); err != nil {
				return params, fmt.Errorf("tool %s parameters: %w", tdef.Name, err)
			}
		}
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  schema,
			},
		}
	}
	params.Tools = tools
	return params, nil
}

// buildMessages converts input messages into chat messages. Tool results
// follow the assistant message carrying the matching calls.
func buildMessages(in []core.InputMessage) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range in {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			if m.Content != "" {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}
	}
	return messages
}
