// Package model holds the agents backed by language model providers.
//
// Provider agents live in sub-packages (openai, anthropic). Each emits the
// SDK's raw stream values through the run context and exposes a
// Translator() factory mapping them to canonical events, so the engine
// never depends on a vendor SDK. This package provides Echo, an agent with
// no provider behind it for local testing and demos.
package model
