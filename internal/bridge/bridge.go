// Package bridge maintains one logical session between a chat client and a
// backend agent process over an unreliable, long-lived connection.
//
// The facade composes the transport, outbound queue, reconnection policy,
// state machine, and event dispatcher. Callers hold a *Bridge, send
// commands through it, and subscribe to inbound events and connection-state
// changes; connectivity failures never surface as errors, only as state.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentbridge/internal/dispatch"
	"github.com/ashureev/agentbridge/internal/queue"
	"github.com/ashureev/agentbridge/internal/reconnect"
	"github.com/ashureev/agentbridge/internal/state"
	"github.com/ashureev/agentbridge/internal/transport"
	"github.com/ashureev/agentbridge/internal/wire"
	"github.com/google/uuid"
)

const defaultDialTimeout = 10 * time.Second

// Config holds construction parameters for one agent session.
type Config struct {
	// Address is the agent endpoint (ws:// or wss:// URL).
	Address string
	// Token is the auth token appended to the dial request. Acquisition and
	// validation of the token are external concerns.
	Token string
	// Dialer overrides the transport. Nil means the WebSocket dialer.
	Dialer transport.Dialer
	// Reconnect tunes the backoff policy.
	Reconnect reconnect.Config
	// DialTimeout bounds a single transport attempt.
	DialTimeout time.Duration
	// Logger receives structured bridge logs. Nil means slog.Default.
	Logger *slog.Logger
}

// Bridge is the session handle. It owns the target address, auth token,
// current connection state, and the monotonically increasing outbound
// sequence number. Created by New, destroyed by Dispose.
type Bridge struct {
	id          string
	addr        string
	token       string
	dialer      transport.Dialer
	dialTimeout time.Duration
	logger      *slog.Logger

	dispatcher *dispatch.Dispatcher
	policy     *reconnect.Policy
	machine    *state.Machine
	outbox     *queue.Queue

	mu         sync.Mutex
	generation uint64
	disposed   bool
	conn       transport.Conn
	connCancel context.CancelFunc
	connWG     *sync.WaitGroup
	retryTimer *time.Timer
	seq        uint64
}

// New creates a bridge for the given agent address. The session starts
// disconnected; call Connect to begin.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{}
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return &Bridge{
		id:          uuid.NewString(),
		addr:        cfg.Address,
		token:       cfg.Token,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		logger:      logger,
		dispatcher:  dispatch.New(logger),
		policy:      reconnect.New(cfg.Reconnect),
		machine:     state.NewMachine(),
		outbox:      queue.New(),
	}
}

// ID returns the session handle identifier.
func (b *Bridge) ID() string {
	return b.id
}

// Connect starts the first transport attempt. A no-op unless the session is
// disconnected; safe to call again after reconnection exhaustion. Commands
// sent before Connect stay queued and flush once the transport opens.
func (b *Bridge) Connect() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	st, changed := b.machine.Apply(state.EventUserConnect, true)
	if !changed {
		b.mu.Unlock()
		return
	}
	b.policy.Reset()
	gen := b.generation
	b.mu.Unlock()

	b.logger.Info("Connecting to agent", "session_id", b.id, "address", b.addr)
	b.dispatcher.NotifyState(st, 0)
	go b.attemptConnection(gen)
}

// Send queues a command for delivery. It always succeeds from the caller's
// perspective; actual delivery is asynchronous and strictly queue-ordered.
// Sending while disconnected is not an error; the command waits for the
// next successful connection.
func (b *Bridge) Send(cmd wire.Command) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		b.logger.Debug("Ignoring send on disposed session", "session_id", b.id, "type", cmd.Type)
		return
	}
	b.seq++
	cmd.Seq = b.seq
	// Enqueue under the session lock so sequence order and queue order
	// can never disagree.
	b.outbox.Enqueue(cmd)
	b.mu.Unlock()

	b.logger.Debug("Command queued", "session_id", b.id, "type", cmd.Type, "seq", cmd.Seq)
}

// SendPrompt queues a prompt command carrying a user message.
func (b *Bridge) SendPrompt(message string) {
	b.Send(wire.Command{Type: wire.CommandPrompt, Message: message})
}

// Steer queues a steer command redirecting the agent mid-turn.
func (b *Bridge) Steer(message string) {
	b.Send(wire.Command{Type: wire.CommandSteer, Message: message})
}

// Abort queues an abort command. Already-queued prior commands are not
// cleared; the abort takes its place in the outbound order.
func (b *Bridge) Abort() {
	b.Send(wire.Command{Type: wire.CommandAbort})
}

// Subscribe registers a handler for inbound events and connection-state
// changes. Delivery order equals registration order.
func (b *Bridge) Subscribe(h dispatch.Handler) {
	b.dispatcher.Subscribe(h)
}

// Unsubscribe removes a previously registered handler.
func (b *Bridge) Unsubscribe(h dispatch.Handler) {
	b.dispatcher.Unsubscribe(h)
}

// State returns the current connection state and the reconnect attempt
// counter.
func (b *Bridge) State() (state.Status, int) {
	return b.machine.Current(), b.policy.Attempt()
}

// Snapshot returns the latest mirrored session state, if one has arrived.
func (b *Bridge) Snapshot() (dispatch.Snapshot, bool) {
	return b.dispatcher.Snapshot()
}

// Dispose performs a user-initiated disconnect: it stops the reconnection
// policy, cancels any pending reconnect timer, closes the transport, and
// settles the state machine at disconnected. Terminal and idempotent;
// transport attempts that complete afterwards are discarded.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.generation++
	b.policy.Stop()
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	if b.connCancel != nil {
		b.connCancel()
		b.connCancel = nil
	}
	conn := b.conn
	b.conn = nil
	st, changed := b.machine.Apply(state.EventUserDisconnect, false)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	b.logger.Info("Session disposed", "session_id", b.id)
	if changed {
		b.dispatcher.NotifyState(st, 0)
	}
}

// attemptConnection performs one transport attempt for the given
// generation. Results belonging to a superseded generation are discarded.
func (b *Bridge) attemptConnection(gen uint64) {
	// The previous generation's send loop must settle (requeueing any
	// in-flight command) before a new drain may start, or FIFO order could
	// break across the reconnect boundary.
	b.mu.Lock()
	prevWG := b.connWG
	b.mu.Unlock()
	if prevWG != nil {
		prevWG.Wait()
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), b.dialTimeout)
	conn, err := b.dialer.Dial(dialCtx, b.addr, b.token)
	cancel()

	b.mu.Lock()
	if b.disposed || gen != b.generation {
		b.mu.Unlock()
		// Stale attempt: whatever it produced is discarded.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		b.mu.Unlock()
		b.logger.Warn("Transport attempt failed", "session_id", b.id, "error", err)
		b.transportDown(gen)
		return
	}

	b.conn = conn
	connCtx, connCancel := context.WithCancel(context.Background())
	b.connCancel = connCancel
	wg := &sync.WaitGroup{}
	wg.Add(2)
	b.connWG = wg
	st, changed := b.machine.Apply(state.EventTransportOpened, true)
	b.policy.Reset()
	b.mu.Unlock()

	b.logger.Info("Agent connection established", "session_id", b.id, "queued", b.outbox.Len())
	if changed {
		b.dispatcher.NotifyState(st, 0)
	}

	go func() {
		defer wg.Done()
		b.readLoop(connCtx, gen, conn)
	}()
	go func() {
		defer wg.Done()
		b.drainLoop(connCtx, gen, conn)
	}()
}

// readLoop pumps inbound frames into the dispatcher until the connection
// ends.
func (b *Bridge) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Debug("Agent connection read ended", "session_id", b.id, "error", err)
			}
			b.transportDown(gen)
			return
		}
		b.dispatcher.Dispatch(data)
	}
}

// drainLoop pops queued commands and writes them in strict FIFO order while
// the transport is open. A command whose write fails goes back to the front
// of the queue.
func (b *Bridge) drainLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		cmd, ok := b.outbox.PopFront()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.outbox.Signal():
				continue
			}
		}

		data, err := cmd.Encode()
		if err != nil {
			// Unencodable commands cannot be retried; drop this one and
			// keep the rest of the queue intact.
			b.logger.Error("Dropping unencodable command", "session_id", b.id, "type", cmd.Type, "error", err)
			continue
		}

		if err := conn.Write(ctx, data); err != nil {
			b.outbox.RequeueFront(cmd)
			b.transportDown(gen)
			return
		}
		b.logger.Debug("Command sent", "session_id", b.id, "type", cmd.Type, "seq", cmd.Seq)
	}
}

// transportDown handles an unexpected close or error for the given
// generation: it tears the connection state down, consults the policy, and
// either schedules the next attempt or settles at disconnected.
func (b *Bridge) transportDown(gen uint64) {
	b.mu.Lock()
	if b.disposed || gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.generation++
	next := b.generation
	if b.connCancel != nil {
		b.connCancel()
		b.connCancel = nil
	}
	conn := b.conn
	b.conn = nil

	delay, attempt, ok := b.policy.Next()
	var st state.Status
	var changed bool
	if ok {
		st, changed = b.machine.Apply(state.EventTransportClosed, true)
		b.retryTimer = time.AfterFunc(delay, func() { b.retry(next) })
	} else {
		st, changed = b.machine.Apply(state.EventRetriesExhausted, false)
	}
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if ok {
		b.logger.Warn("Agent connection lost, reconnect scheduled",
			"session_id", b.id,
			"attempt", attempt,
			"delay", delay)
		// Surface the attempt counter on every reattempt, not only on the
		// first entry into reconnecting.
		b.dispatcher.NotifyState(st, attempt)
		return
	}

	b.logger.Error("Agent connection lost and reconnection exhausted", "session_id", b.id, "attempts", attempt)
	if changed {
		b.dispatcher.NotifyState(st, attempt)
	}
}

// retry runs when the backoff timer fires.
func (b *Bridge) retry(gen uint64) {
	b.mu.Lock()
	if b.disposed || gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.retryTimer = nil
	b.mu.Unlock()

	b.attemptConnection(gen)
}
