// Package state holds the authoritative connection state for one agent
// session. The four-state machine is the single source of truth consumed
// by connection-status indicators; no other component derives its own view
// of connectivity.
package state

import "sync"

// Status is the connection state of the logical session.
type Status int

const (
	// Disconnected is the initial state, and the terminal state after an
	// explicit disconnect or reconnect exhaustion.
	Disconnected Status = iota
	// Connecting is the first transport attempt after a user connect.
	Connecting
	// Connected means an open transport is carrying traffic.
	Connected
	// Reconnecting means the transport dropped unexpectedly and the
	// reconnection policy is driving new attempts.
	Reconnecting
)

// String returns the wire spelling of the status.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is an input to the state machine.
type Event int

const (
	// EventUserConnect is an explicit connect request.
	EventUserConnect Event = iota
	// EventTransportOpened means a transport attempt succeeded.
	EventTransportOpened
	// EventTransportClosed means the transport closed or errored
	// unexpectedly.
	EventTransportClosed
	// EventUserDisconnect is an explicit user-initiated disconnect.
	EventUserDisconnect
	// EventRetriesExhausted means the reconnection policy refused to
	// schedule another attempt.
	EventRetriesExhausted
)

// Next returns the successor state for a (current, event) pair. canRetry
// reports whether the reconnection policy permits another attempt after a
// transport loss. Pairs outside the transition table keep the current
// state, which makes Next a total function.
func Next(current Status, ev Event, canRetry bool) Status {
	switch current {
	case Disconnected:
		if ev == EventUserConnect {
			return Connecting
		}

	case Connecting:
		switch ev {
		case EventTransportOpened:
			return Connected
		case EventTransportClosed:
			if canRetry {
				return Reconnecting
			}
			return Disconnected
		case EventUserDisconnect, EventRetriesExhausted:
			return Disconnected
		}

	case Connected:
		switch ev {
		case EventTransportClosed:
			if canRetry {
				return Reconnecting
			}
			return Disconnected
		case EventUserDisconnect:
			return Disconnected
		}

	case Reconnecting:
		switch ev {
		case EventTransportOpened:
			return Connected
		case EventTransportClosed:
			// A failed reattempt keeps the session in reconnecting while
			// the policy still allows more attempts.
			if canRetry {
				return Reconnecting
			}
			return Disconnected
		case EventUserDisconnect, EventRetriesExhausted:
			return Disconnected
		}
	}

	return current
}

// Machine tracks the current status across transitions. There is exactly
// one current state at any time.
type Machine struct {
	mu      sync.Mutex
	current Status
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine() *Machine {
	return &Machine{current: Disconnected}
}

// Current returns the present status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply feeds one event through the transition table and returns the
// resulting status plus whether it differs from the previous one.
func (m *Machine) Apply(ev Event, canRetry bool) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Next(m.current, ev, canRetry)
	changed := next != m.current
	m.current = next
	return next, changed
}
