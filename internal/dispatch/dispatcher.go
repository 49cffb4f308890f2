// Package dispatch parses inbound frames, classifies them, and republishes
// them to subscribers. A snapshot-class event additionally replaces the
// mirrored session state before re-emission; every other class is forwarded
// unmodified without bridge-side interpretation.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/ashureev/agentbridge/internal/state"
	"github.com/ashureev/agentbridge/internal/wire"
)

// Handler receives inbound events and connection-state changes. Multiple
// handlers may subscribe; delivery order equals registration order.
type Handler interface {
	OnEvent(ev wire.Event)
	OnStateChange(st state.Status, attempt int)
}

// Dispatcher demultiplexes the inbound side of one agent session.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
	snapshot snapshotStore
	logger   *slog.Logger
}

// New creates a dispatcher. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Subscribe registers a handler at the end of the delivery order.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Unsubscribe removes a previously registered handler. Unknown handlers are
// ignored.
func (d *Dispatcher) Unsubscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.handlers {
		if existing == h {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Dispatch processes one inbound frame. Malformed payloads are logged as a
// dispatcher-local warning and produce no subscriber emission; the
// connection stays open.
func (d *Dispatcher) Dispatch(data []byte) {
	ev, err := wire.ParseEvent(data)
	if err != nil {
		d.logger.Warn("Dropping malformed inbound frame", "error", err, "size", len(data))
		return
	}

	if ev.Class == wire.ClassSnapshot {
		if err := d.snapshot.Replace(ev.Payload); err != nil {
			d.logger.Warn("Snapshot payload did not decode, forwarding anyway", "error", err)
		}
	}

	for _, h := range d.subscribers() {
		h.OnEvent(ev)
	}
}

// NotifyState fans a connection-state change out to all subscribers.
func (d *Dispatcher) NotifyState(st state.Status, attempt int) {
	for _, h := range d.subscribers() {
		h.OnStateChange(st, attempt)
	}
}

// Snapshot returns the latest mirrored session state, if any has arrived.
func (d *Dispatcher) Snapshot() (Snapshot, bool) {
	return d.snapshot.Current()
}

// subscribers copies the handler list so delivery happens outside the lock;
// a handler may subscribe or unsubscribe from inside a callback.
func (d *Dispatcher) subscribers() []Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handler, len(d.handlers))
	copy(out, d.handlers)
	return out
}
