// Package agent provides composite agents that combine other agents into a
// single run. Children emit into the parent's stream, so one client sees
// their messages, tool calls and state in order.
//
// The composites are:
//   - Sequential runs children one after another; a state_snapshot emitted
//     by one child becomes the input state of the next.
//   - Parallel runs children concurrently; the first failure cancels the
//     others.
//   - Loop repeats one child until a predicate on its text output holds,
//     the child returns ErrEscalated, or the iteration limit is reached.
//
// Children must emit core.Event values. Wrap provider agents with
// Translated so their native items are converted before they reach the
// composite.
package agent
