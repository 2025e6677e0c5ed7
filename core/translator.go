package core

// Translator maps one framework-native item to zero or more canonical
// events, preserving order. An item it cannot map must produce a
// *TranslationError; dropping it silently is never correct.
type Translator interface {
	Translate(item any) ([]Event, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(item any) ([]Event, error)

// Translate calls f.
func (f TranslatorFunc) Translate(item any) ([]Event, error) { return f(item) }

// Finisher is implemented by translators holding per-run state (open ids
// they invented) that must be flushed when the producer ends normally.
type Finisher interface {
	Finish() ([]Event, error)
}

// TranslatorFactory creates a fresh translator for one run.
type TranslatorFactory func() Translator
