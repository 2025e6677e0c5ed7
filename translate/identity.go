package translate

import (
	"fmt"

	"github.com/hupe1980/aguimesh/core"
)

// Identity passes canonical events through. It is the default for agents
// that already speak the event model.
func Identity() core.Translator {
	return core.TranslatorFunc(func(item any) ([]core.Event, error) {
		switch v := item.(type) {
		case core.Event:
			return []core.Event{v}, nil
		case *core.Event:
			if v == nil {
				return nil, core.NewTranslationError(item, fmt.Errorf("nil event"))
			}
			return []core.Event{*v}, nil
		case []core.Event:
			return v, nil
		default:
			return nil, core.NewTranslationError(item, fmt.Errorf("unsupported item type"))
		}
	})
}

// IdentityFactory returns a factory producing Identity translators.
func IdentityFactory() core.TranslatorFactory {
	return func() core.Translator { return Identity() }
}
