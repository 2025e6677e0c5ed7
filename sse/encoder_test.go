package sse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
)

func TestEncoder_WriteEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := core.TextMessageContent("m1", "line one\nline two")
	ev.Timestamp = 7
	require.NoError(t, Encoder{}.WriteEvent(&buf, ev))

	out := buf.String()
	assert.Equal(t, `data: {"type":"text_message_content","message_id":"m1","delta":"line one\nline two","timestamp":7}`+"\n\n", out)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")), "the payload must not contain raw newlines")
}

func TestEncoder_WriteKeepalive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encoder{}.WriteKeepalive(&buf))
	assert.Equal(t, ": keepalive\n\n", buf.String())
}

func TestParseBackpressure(t *testing.T) {
	bp, err := ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, bp)
	bp, err = ParseBackpressure("drop")
	require.NoError(t, err)
	assert.Equal(t, BackpressureDrop, bp)
	_, err = ParseBackpressure("spill")
	assert.Error(t, err)
}

func TestDroppable(t *testing.T) {
	for _, k := range []core.Kind{core.KindCustom, core.KindRaw, core.KindThinkingTextMessageContent} {
		assert.True(t, Droppable(k), k)
	}
	for _, k := range []core.Kind{
		core.KindRunStarted, core.KindRunFinished, core.KindRunError,
		core.KindTextMessageContent, core.KindToolCallArgs, core.KindToolCallResult,
		core.KindStateSnapshot, core.KindStateDelta, core.KindMessagesSnapshot,
		core.KindStepStarted, core.KindStepFinished,
		core.KindThinkingStart, core.KindThinkingEnd,
		core.KindThinkingTextMessageStart, core.KindThinkingTextMessageEnd,
		"vendor_kind",
	} {
		assert.False(t, Droppable(k), k)
	}
}
