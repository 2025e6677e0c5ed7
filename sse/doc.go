// Package sse writes a validated event stream onto one long-lived
// Server-Sent Events connection.
//
// The Transport multiplexes four concerns over a single writer:
//   - events pulled one at a time from a core.EventSource
//   - keepalive comments while the producer is idle
//   - the overall run deadline
//   - client disconnects, seen as a done context or a failed write
//
// A pump goroutine pulls from the source and hands events to the writer loop
// over an unbuffered channel, so at most one event is in flight and the
// producer never runs ahead of the client. In drop mode custom, raw and
// thinking content events wait at most DropGrace for the writer and are
// counted as dropped when it stays busy.
//
// Example:
//
//	tr := sse.New(func(o *sse.Options) {
//	    o.Timeout = 2 * time.Minute
//	    o.KeepaliveInterval = 15 * time.Second
//	})
//	res, err := tr.Stream(r.Context(), w, machine)
package sse
