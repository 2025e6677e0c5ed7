package openai

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
)

func chunk(t *testing.T, choice string) openai.ChatCompletionChunk {
	t.Helper()
	raw := fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[%s]}`, choice)
	var c openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return c
}

func newTestTranslator() *Translator {
	tr := New()
	n := 0
	tr.newID = func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
	return tr
}

func translateAll(t *testing.T, tr *Translator, chunks ...openai.ChatCompletionChunk) []core.Event {
	t.Helper()
	var out []core.Event
	for _, c := range chunks {
		evs, err := tr.Translate(c)
		require.NoError(t, err)
		out = append(out, evs...)
	}
	return out
}

func TestTranslator_Text(t *testing.T) {
	tr := newTestTranslator()
	out := translateAll(t, tr,
		chunk(t, `{"index":0,"delta":{"role":"assistant","content":"Hel"}}`),
		chunk(t, `{"index":0,"delta":{"content":"lo"}}`),
		chunk(t, `{"index":0,"delta":{},"finish_reason":"stop"}`),
	)
	require.Len(t, out, 4)
	assert.Equal(t, core.KindTextMessageStart, out[0].Kind)
	assert.Equal(t, "msg-1", out[0].MessageID)
	assert.Equal(t, "Hel", out[1].Delta)
	assert.Equal(t, "lo", out[2].Delta)
	assert.Equal(t, core.TextMessageEnd("msg-1").MessageID, out[3].MessageID)
	assert.Equal(t, core.KindTextMessageEnd, out[3].Kind)
}

func TestTranslator_TextThenToolCall(t *testing.T) {
	tr := newTestTranslator()
	out := translateAll(t, tr,
		chunk(t, `{"index":0,"delta":{"content":"Searching"}}`),
		chunk(t, `{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}`),
		chunk(t, `{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}`),
		chunk(t, `{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"cats\"}"}}]}}`),
		chunk(t, `{"index":0,"delta":{},"finish_reason":"tool_calls"}`),
	)
	kinds := make([]core.Kind, len(out))
	for i, ev := range out {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []core.Kind{
		core.KindTextMessageStart,
		core.KindTextMessageContent,
		core.KindTextMessageEnd,
		core.KindToolCallStart,
		core.KindToolCallArgs,
		core.KindToolCallArgs,
		core.KindToolCallEnd,
	}, kinds)
	assert.Equal(t, "search", out[3].ToolCallName)
	assert.Equal(t, "msg-1", out[3].ParentMessageID)
	assert.Equal(t, `{"q":"cats"}`, out[4].Delta+out[5].Delta)
	assert.Equal(t, "call_1", out[6].ToolCallID)
}

func TestTranslator_UnknownIndexWithoutID(t *testing.T) {
	tr := newTestTranslator()
	_, err := tr.Translate(chunk(t, `{"index":0,"delta":{"tool_calls":[{"index":3,"function":{"arguments":"{}"}}]}}`))
	var te *core.TranslationError
	require.ErrorAs(t, err, &te)
}

func TestTranslator_RejectsSecondChoice(t *testing.T) {
	tr := newTestTranslator()
	_ = translateAll(t, tr, chunk(t, `{"index":0,"delta":{"content":"first"}}`))

	out, err := tr.Translate(chunk(t, `{"index":1,"delta":{"content":"second"}}`))
	var te *core.TranslationError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "choice 1")
	assert.Empty(t, out)
}

func TestTranslator_EmptyChunkAndFinish(t *testing.T) {
	tr := newTestTranslator()
	var usage openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[]}`), &usage))
	out, err := tr.Translate(&usage)
	require.NoError(t, err)
	assert.Empty(t, out)

	_ = translateAll(t, tr, chunk(t, `{"index":0,"delta":{"content":"dangling"}}`))
	closing, err := tr.Finish()
	require.NoError(t, err)
	require.Len(t, closing, 1)
	assert.Equal(t, core.KindTextMessageEnd, closing[0].Kind)
}

func TestTranslator_RejectsForeignItems(t *testing.T) {
	_, err := New().Translate("text")
	var te *core.TranslationError
	assert.ErrorAs(t, err, &te)
}
