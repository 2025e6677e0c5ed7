package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/engine"
	"github.com/hupe1980/aguimesh/internal/testutil"
)

// sse renders one stream event with its event line; the SDK dispatches on
// the event name.
func sse(data string) string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(data), &head)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", head.Type, data)
}

var textStream = []string{
	`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":0}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"ping"}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
	`{"type":"message_stop"}`,
}

func newServer(t *testing.T, events []string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		var b strings.Builder
		for _, ev := range events {
			b.WriteString(sse(ev))
		}
		_, _ = fmt.Fprint(w, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func newTestAgent(srv *httptest.Server) *Agent {
	client := anthropic.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&client, func(o *Options) { o.Model = "claude-test" })
}

func TestAgent_StreamsText(t *testing.T) {
	srv, body := newServer(t, textStream)
	agent := newTestAgent(srv)

	e := engine.New()
	e.Register("claude", agent, func(c *engine.AgentConfig) {
		c.Translator = agent.Translator()
		c.SystemMessage = func(core.RunInput) string { return "Be brief." }
	})

	out, err := e.Collect(context.Background(), "claude", core.RunInput{
		Messages: []core.InputMessage{{ID: "u1", Role: core.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.False(t, out.HasError, "%v", out.Result.Err)

	assert.Equal(t, []core.Kind{
		core.KindRunStarted,
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindTextMessageContent,
		core.KindTextMessageEnd,
		core.KindRunFinished,
	}, testutil.Kinds(out.Events))
	assert.Equal(t, "msg_1:0", out.Events[1].MessageID)

	assert.Equal(t, "claude-test", (*body)["model"])
	assert.Equal(t, true, (*body)["stream"])
	system := (*body)["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "Be brief.", system[0].(map[string]any)["text"])
	msgs := (*body)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestAgent_APIErrorFailsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer srv.Close()
	agent := newTestAgent(srv)
	e := engine.New(func(o *engine.Options) { o.ErrorDetail = "full" })
	e.Register("claude", agent, func(c *engine.AgentConfig) { c.Translator = agent.Translator() })

	out, err := e.Collect(context.Background(), "claude", core.RunInput{})
	require.NoError(t, err)
	assert.True(t, out.HasError)
	assert.Contains(t, out.Events[len(out.Events)-1].Message, "anthropic streaming error")
}

func TestBuildMessages_GroupsToolResults(t *testing.T) {
	msgs := buildMessages([]core.InputMessage{
		{Role: core.RoleSystem, Content: "sys"},
		{Role: core.RoleUser, Content: "weather?"},
		{Role: core.RoleAssistant, Content: "checking", ToolCalls: []core.InputToolCall{
			{ID: "t1", Name: "weather", Arguments: `{"city":"Berlin"}`},
			{ID: "t2", Name: "weather"},
		}},
		{Role: core.RoleTool, ToolCallID: "t1", Content: "sunny"},
		{Role: core.RoleTool, ToolCallID: "t2", Content: "rainy"},
		{Role: core.RoleAssistant, Content: "done"},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[3].Role)
}

func TestBuildTools(t *testing.T) {
	tools, err := buildTools([]core.ToolDefinition{{
		Name:        "weather",
		Description: "current weather",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "weather", tools[0].OfTool.Name)
	assert.Equal(t, []string{"city"}, tools[0].OfTool.InputSchema.Required)

	_, err = buildTools([]core.ToolDefinition{{Name: "bad", Parameters: json.RawMessage("[")}})
	assert.Error(t, err)
}

func TestExtractSystem(t *testing.T) {
	blocks := extractSystem([]core.InputMessage{
		{Role: core.RoleSystem, Content: "a"},
		{Role: core.RoleUser, Content: "b"},
		{Role: core.RoleSystem, Content: "  "},
	})
	require.Len(t, blocks, 1)
	assert.Equal(t, "a", blocks[0].Text)
}
