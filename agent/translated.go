package agent

import (
	"github.com/hupe1980/aguimesh/core"
)

// Translated adapts an agent that emits framework-native items (for example
// OpenAI stream chunks) into one that emits core events, so it can run as
// a child of a composite alongside agents of other providers. A fresh
// translator is taken from factory on every run. With a nil factory a is
// returned unchanged.
func Translated(a core.Agent, factory core.TranslatorFactory) core.Agent {
	if factory == nil {
		return a
	}
	return &translatedAgent{agent: a, factory: factory}
}

type translatedAgent struct {
	agent   core.Agent
	factory core.TranslatorFactory
}

func (t *translatedAgent) Description() string {
	if d, ok := t.agent.(core.Describer); ok {
		return d.Description()
	}
	return ""
}

func (t *translatedAgent) Run(rc *core.RunContext) error {
	tr := t.factory()
	emit := func(events []core.Event) error {
		for _, ev := range events {
			if err := rc.Emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	err := pump(rc.Context(), rc, t.agent, rc.Input, func(item any) error {
		events, err := tr.Translate(item)
		if err != nil {
			return err
		}
		return emit(events)
	})
	if err != nil {
		return err
	}

	if f, ok := tr.(core.Finisher); ok {
		events, err := f.Finish()
		if err != nil {
			return err
		}
		return emit(events)
	}
	return nil
}
