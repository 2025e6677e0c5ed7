// Package core provides the foundational domain types and ports of the
// AG-UI streaming engine:
//
//   - Event, the canonical tagged record, and its wire encoding
//   - The error taxonomy (ProtocolViolation, TranslationError, AgentFailure,
//     TimeoutExceeded, StorageFailure) and the redaction policy
//   - Agent, RunContext and RunInput, the contract with the agent computation
//   - Source, Translator and Store, the pull, translation and persistence ports
//
// The package keeps orchestration, transport and persistence out of scope,
// exposing small interfaces so that backends and framework adapters can be
// plugged in independently.
package core
