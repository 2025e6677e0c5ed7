package translate

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/aguimesh/core"
)

type pipe struct {
	items   core.ItemSource
	tr      core.Translator
	pending []core.Event
	done    bool
}

// Pipe pulls one item at a time from items and yields the events tr maps it
// to, in order. Nothing is read ahead of what the consumer asked for. At end
// of input a core.Finisher translator is given the chance to flush.
func Pipe(items core.ItemSource, tr core.Translator) core.EventSource {
	return &pipe{items: items, tr: tr}
}

func (p *pipe) Next(ctx context.Context) (core.Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}
		if p.done {
			return core.Event{}, io.EOF
		}
		item, err := p.items.Next(ctx)
		if errors.Is(err, io.EOF) {
			p.done = true
			if f, ok := p.tr.(core.Finisher); ok {
				evs, err := f.Finish()
				if err != nil {
					return core.Event{}, asTranslationError("finish", err)
				}
				p.pending = evs
			}
			continue
		}
		if err != nil {
			return core.Event{}, err
		}
		evs, err := p.tr.Translate(item)
		if err != nil {
			return core.Event{}, asTranslationError(item, err)
		}
		p.pending = evs
	}
}

func asTranslationError(item any, err error) error {
	var te *core.TranslationError
	if errors.As(err, &te) {
		return err
	}
	return core.NewTranslationError(item, err)
}
