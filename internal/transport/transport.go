// Package transport wraps one physical connection attempt to the agent.
//
// A Dialer produces at most one Conn per call; retry and backoff decisions
// live in the reconnect package, never here.
package transport

import (
	"context"
)

// Conn is one established bidirectional connection to the agent. Reads
// return frames until the connection closes, after which every Read returns
// an error. Close is idempotent.
type Conn interface {
	// Read blocks until the next inbound frame, the context is canceled, or
	// the connection closes.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one outbound frame.
	Write(ctx context.Context, data []byte) error

	// Close tears the connection down. Safe to call more than once and
	// always causes any blocked Read to return.
	Close() error
}

// Dialer opens one physical connection attempt to the given address.
type Dialer interface {
	Dial(ctx context.Context, addr, token string) (Conn, error)
}
