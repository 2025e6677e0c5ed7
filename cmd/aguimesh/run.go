package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/aguimesh"
	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/engine"
)

var (
	runThread string
	runRaw    bool
	runState  string
)

var runCmd = &cobra.Command{
	Use:   "run <agent> [message...]",
	Short: "Run an agent once and print its reply",
	Long: `Run sends the message to the agent and prints the streamed reply.
With --sse the raw event stream is written to stdout instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		p := &printer{w: out}
		callbacks := engine.NewCallbackManager()
		if !runRaw {
			callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackOnEvent,
				func(_ context.Context, cc *engine.CallbackContext) error {
					p.print(*cc.Event)
					return nil
				}))
		}

		ctx := cmd.Context()
		m, err := aguimesh.New(ctx, cfg, func(o *aguimesh.Options) {
			o.Callbacks = callbacks
			o.LogOutput = cmd.ErrOrStderr()
		})
		if err != nil {
			return err
		}
		defer func() { _ = m.Close(context.WithoutCancel(ctx)) }()

		input := core.RunInput{ThreadID: runThread}
		if len(args) > 1 {
			input.Messages = []core.InputMessage{{
				ID:      core.NewID(),
				Role:    core.RoleUser,
				Content: strings.Join(args[1:], " "),
			}}
		}
		if runState != "" {
			if !json.Valid([]byte(runState)) {
				return fmt.Errorf("--state is not valid JSON")
			}
			input.State = json.RawMessage(runState)
		}

		w := io.Discard
		if runRaw {
			w = out
		}
		res, err := m.Engine.Stream(ctx, args[0], input, w)
		if err != nil {
			return err
		}
		p.done()
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s on thread %s: %s\n", res.RunID, res.ThreadID, res.Status)
		if res.Status == core.RunStatusErrored {
			return fmt.Errorf("run failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runThread, "thread", "", "Continue an existing thread")
	runCmd.Flags().BoolVar(&runRaw, "sse", false, "Write the raw SSE stream to stdout")
	runCmd.Flags().StringVar(&runState, "state", "", "Initial state as JSON")
}

// printer renders events as plain terminal text.
type printer struct {
	w       io.Writer
	midLine bool
}

func (p *printer) print(ev core.Event) {
	switch ev.Kind {
	case core.KindTextMessageContent:
		fmt.Fprint(p.w, ev.Delta)
		p.midLine = !strings.HasSuffix(ev.Delta, "\n")
	case core.KindTextMessageEnd:
		p.done()
	case core.KindToolCallStart:
		p.done()
		fmt.Fprintf(p.w, "[tool %s]", ev.ToolCallName)
		p.midLine = true
	case core.KindToolCallArgs:
		fmt.Fprint(p.w, ev.Delta)
	case core.KindToolCallEnd:
		p.done()
	case core.KindToolCallResult:
		fmt.Fprintf(p.w, "[result] %s\n", ev.Content)
	case core.KindStateSnapshot:
		fmt.Fprintf(p.w, "[state] %s\n", ev.Snapshot)
	case core.KindRunError:
		p.done()
		fmt.Fprintf(p.w, "error: %s\n", ev.Message)
	}
}

// done terminates a partially written line.
func (p *printer) done() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}
