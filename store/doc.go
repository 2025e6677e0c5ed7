// Package store provides the reference in-memory implementation of
// core.Store and the Recorder that turns a run's event stream into stored
// threads, messages, tool calls and runs.
//
// Backends for SQLite, MongoDB and Redis live in subpackages and are held to
// the same contract by store/storetest.
package store
