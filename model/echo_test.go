package model

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/engine"
	"github.com/hupe1980/aguimesh/internal/testutil"
)

func TestEcho(t *testing.T) {
	e := engine.New()
	e.Register("echo", Echo{Prefix: "you said: "})

	out, err := e.Collect(context.Background(), "echo", core.RunInput{
		State: []byte(`{"n":1}`),
		Messages: []core.InputMessage{
			{ID: "u1", Role: core.RoleUser, Content: "first"},
			{ID: "a1", Role: core.RoleAssistant, Content: "ok"},
			{ID: "u2", Role: core.RoleUser, Content: "hello big world"},
		},
	})
	require.NoError(t, err)
	require.False(t, out.HasError)

	var text strings.Builder
	for _, ev := range out.Events {
		if ev.Kind == core.KindTextMessageContent {
			text.WriteString(ev.Delta)
		}
	}
	assert.Equal(t, "you said: hello big world", text.String())

	kinds := testutil.Kinds(out.Events)
	assert.Equal(t, core.KindStateSnapshot, kinds[len(kinds)-2])
	assert.JSONEq(t, `{"n":1}`, string(out.Events[len(out.Events)-1].Result))
}

func TestEcho_NoUserMessage(t *testing.T) {
	e := engine.New()
	e.Register("echo", Echo{})

	out, err := e.Collect(context.Background(), "echo", core.RunInput{})
	require.NoError(t, err)
	assert.Equal(t, "(no ", out.Events[2].Delta)
	assert.Equal(t, core.KindRunFinished, out.Events[len(out.Events)-1].Kind)
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []string{"a ", "b ", "c"}, chunks("a b c"))
	assert.Equal(t, []string{"trailing "}, chunks("trailing "))
	assert.Nil(t, chunks(""))
}
