package model

import (
	"strings"

	"github.com/hupe1980/aguimesh/core"
)

// Echo replies with the last user message, streamed word by word. Input
// state is passed back unchanged as a snapshot.
type Echo struct {
	// Prefix is prepended to the reply.
	Prefix string
}

// Description implements core.Describer.
func (Echo) Description() string { return "Echoes the last user message" }

// Run implements core.Agent.
func (e Echo) Run(rc *core.RunContext) error {
	text, ok := rc.Input.LastUserMessage()
	if !ok {
		text = "(no user message)"
	}
	text = e.Prefix + text

	id := core.NewID()
	if err := rc.Emit(core.TextMessageStart(id, core.RoleAssistant)); err != nil {
		return err
	}
	for _, chunk := range chunks(text) {
		if err := rc.Emit(core.TextMessageContent(id, chunk)); err != nil {
			return err
		}
	}
	if err := rc.Emit(core.TextMessageEnd(id)); err != nil {
		return err
	}
	if len(rc.Input.State) > 0 {
		return rc.Emit(core.StateSnapshot(rc.Input.State))
	}
	return nil
}

// chunks splits s after each space, keeping the spaces.
func chunks(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
