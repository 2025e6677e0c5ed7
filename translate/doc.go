// Package translate turns framework-native items into canonical events.
//
// A translator is per run: it may remember ids it invented for an earlier
// item (an open text message, the tool call at a stream index) and flush them
// through core.Finisher when the producer ends. Pipe adapts an item source
// and a translator into the event source the protocol machine consumes.
//
// Provider-specific translators live in subpackages:
//   - translate/openai for Chat Completions stream chunks
//   - translate/anthropic for Messages stream events
package translate
