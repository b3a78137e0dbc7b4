// Package transport owns the single websocket connection to a clearing node.
//
// A Transport moves between Disconnected, Connecting and Connected. Connect
// is bounded by a timeout and never leaves the Transport in a state the rest
// of the client has to treat as fatal: every failure resolves to
// Disconnected and an error wrapping ErrUnavailable, which callers use to
// fall back to local-only operation.
//
// Send never blocks on a missing connection; it reports false instead.
// Inbound frames are delivered in order to the handler registered with
// OnMessage from a single read goroutine. A panicking handler is recovered
// and logged so one bad frame cannot stop delivery of the next.
package transport
