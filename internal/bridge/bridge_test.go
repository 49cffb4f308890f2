package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentbridge/internal/reconnect"
	"github.com/ashureev/agentbridge/internal/state"
	"github.com/ashureev/agentbridge/internal/transport"
	"github.com/ashureev/agentbridge/internal/wire"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is a scriptable in-memory transport connection.
type fakeConn struct {
	mu        sync.Mutex
	writes    []string
	failWrite bool

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if c.failWrite {
		return errConnClosed
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer hands out scripted connections, optionally failing the first
// few attempts.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	fails   int
	dials   int
	barrier chan struct{} // when set, Dial blocks until the channel closes
}

func (d *fakeDialer) Dial(ctx context.Context, addr, token string) (transport.Conn, error) {
	d.mu.Lock()
	barrier := d.barrier
	d.mu.Unlock()
	if barrier != nil {
		<-barrier
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no scripted connections left")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// stateRecorder collects state-change notifications.
type stateRecorder struct {
	mu       sync.Mutex
	states   []state.Status
	attempts []int
	events   []wire.Event
}

func (r *stateRecorder) OnEvent(ev wire.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *stateRecorder) OnStateChange(st state.Status, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	r.attempts = append(r.attempts, attempt)
}

func (r *stateRecorder) statesSeen() []state.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.Status, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) attemptsSeen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.attempts))
	copy(out, r.attempts)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func fastReconnect() reconnect.Config {
	return reconnect.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestBridge_PromptWhileDisconnected(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})
	defer b.Dispose()

	rec := &stateRecorder{}
	b.Subscribe(rec)

	if st, _ := b.State(); st != state.Disconnected {
		t.Fatalf("Expected initial state disconnected, got %v", st)
	}

	b.SendPrompt("hi")
	b.Connect()

	waitFor(t, "prompt delivery", func() bool { return len(conn.sentFrames()) == 1 })

	frames := conn.sentFrames()
	if frames[0] != `{"type":"prompt","message":"hi"}` {
		t.Errorf("Expected prompt frame, got %s", frames[0])
	}

	states := rec.statesSeen()
	if len(states) != 2 || states[0] != state.Connecting || states[1] != state.Connected {
		t.Errorf("Expected transitions [connecting connected], got %v", states)
	}
}

func TestBridge_FIFOAcrossConnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})
	defer b.Dispose()

	b.SendPrompt("one")
	b.Steer("two")
	b.Abort()
	b.SendPrompt("three")
	b.Connect()

	waitFor(t, "all commands delivered", func() bool { return len(conn.sentFrames()) == 4 })

	want := []string{
		`{"type":"prompt","message":"one"}`,
		`{"type":"steer","message":"two"}`,
		`{"type":"abort"}`,
		`{"type":"prompt","message":"three"}`,
	}
	frames := conn.sentFrames()
	for i, w := range want {
		if frames[i] != w {
			t.Errorf("Frame %d: expected %s, got %s", i, w, frames[i])
		}
	}
}

func TestBridge_ReconnectAfterUnexpectedClose(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})
	defer b.Dispose()

	rec := &stateRecorder{}
	b.Subscribe(rec)
	b.Connect()

	waitFor(t, "first connection", func() bool {
		st, _ := b.State()
		return st == state.Connected
	})

	// Server drops the connection unexpectedly.
	conn1.Close()

	waitFor(t, "reconnect success", func() bool {
		return dialer.dialCount() == 2 && func() bool { st, _ := b.State(); return st == state.Connected }()
	})

	states := rec.statesSeen()
	attempts := rec.attemptsSeen()

	sawReconnecting := false
	for i, st := range states {
		if st == state.Reconnecting {
			sawReconnecting = true
			if attempts[i] != 1 {
				t.Errorf("Expected attempt counter 1 while reconnecting, got %d", attempts[i])
			}
		}
	}
	if !sawReconnecting {
		t.Errorf("Expected a reconnecting transition, got %v", states)
	}

	// Counter resets to zero on the successful reattach.
	last := len(states) - 1
	if states[last] != state.Connected || attempts[last] != 0 {
		t.Errorf("Expected final [connected 0], got [%v %d]", states[last], attempts[last])
	}
	if _, attempt := b.State(); attempt != 0 {
		t.Errorf("Expected attempt counter reset, got %d", attempt)
	}
}

func TestBridge_FailedSendRequeuedInOrder(t *testing.T) {
	conn1 := newFakeConn()
	conn1.failWrite = true
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})
	defer b.Dispose()

	b.SendPrompt("a")
	b.SendPrompt("b")
	b.Connect()

	// The first connection rejects every write; both commands must arrive
	// on the second connection in original order.
	waitFor(t, "delivery on second connection", func() bool { return len(conn2.sentFrames()) == 2 })

	frames := conn2.sentFrames()
	if frames[0] != `{"type":"prompt","message":"a"}` || frames[1] != `{"type":"prompt","message":"b"}` {
		t.Errorf("Expected order [a b] preserved across the failed send, got %v", frames)
	}
	if len(conn1.sentFrames()) != 0 {
		t.Errorf("Expected no frames recorded on the failing connection, got %v", conn1.sentFrames())
	}
}

func TestBridge_DisposeIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})

	b.Connect()
	waitFor(t, "connection", func() bool {
		st, _ := b.State()
		return st == state.Connected
	})

	b.Dispose()
	b.Dispose()

	if st, _ := b.State(); st != state.Disconnected {
		t.Errorf("Expected disconnected after dispose, got %v", st)
	}

	// The closed transport must not trigger any reconnect attempt.
	dials := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != dials {
		t.Errorf("Expected no dials after dispose, got %d more", dialer.dialCount()-dials)
	}
}

func TestBridge_StaleAttemptSuppressedAfterDispose(t *testing.T) {
	conn := newFakeConn()
	barrier := make(chan struct{})
	dialer := &fakeDialer{conns: []*fakeConn{conn}, barrier: barrier}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})

	b.Connect()
	b.Dispose()

	// The in-flight dial completes only now, after dispose.
	close(barrier)

	waitFor(t, "stale connection discarded", func() bool {
		select {
		case <-conn.closed:
			return true
		default:
			return false
		}
	})

	if st, _ := b.State(); st != state.Disconnected {
		t.Errorf("Expected state to stay disconnected, got %v", st)
	}
}

func TestBridge_ExhaustionSettlesDisconnected(t *testing.T) {
	dialer := &fakeDialer{fails: 10}
	b := New(Config{
		Address:   "ws://agent",
		Dialer:    dialer,
		Reconnect: reconnect.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2},
	})
	defer b.Dispose()

	rec := &stateRecorder{}
	b.Subscribe(rec)
	b.Connect()

	waitFor(t, "exhaustion", func() bool {
		st, _ := b.State()
		return st == state.Disconnected && dialer.dialCount() >= 3
	})

	// 1 initial dial + 2 policy-allowed reattempts, nothing more.
	dials := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != dials {
		t.Errorf("Expected no dials after exhaustion, got %d more", dialer.dialCount()-dials)
	}
	if dials != 3 {
		t.Errorf("Expected exactly 3 dials, got %d", dials)
	}
}

func TestBridge_InboundEventsReachSubscribers(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})
	defer b.Dispose()

	rec := &stateRecorder{}
	b.Subscribe(rec)
	b.Connect()

	waitFor(t, "connection", func() bool {
		st, _ := b.State()
		return st == state.Connected
	})

	conn.inbound <- []byte(`{"type":"agent-event","event":{"type":"state_update","model":"opus"}}`)

	waitFor(t, "snapshot applied", func() bool {
		snap, ok := b.Snapshot()
		return ok && snap.Model == "opus"
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Class != wire.ClassSnapshot {
		t.Errorf("Expected one snapshot event, got %v", rec.events)
	}
}

func TestBridge_SendAfterDisposeIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	b := New(Config{Address: "ws://agent", Dialer: dialer, Reconnect: fastReconnect()})

	b.Dispose()
	b.SendPrompt("too late")
	b.Connect()

	time.Sleep(10 * time.Millisecond)
	if dialer.dialCount() != 0 {
		t.Errorf("Expected disposed session to stay inert, got %d dials", dialer.dialCount())
	}
}
