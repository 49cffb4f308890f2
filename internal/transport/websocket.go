package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// WebSocketDialer dials the agent over a WebSocket. The auth token is
// appended to the request query string, matching how the hosting page
// passes it through.
type WebSocketDialer struct {
	// HTTPClient overrides the client used for the upgrade request.
	// Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Dial performs a single WebSocket connection attempt.
func (d *WebSocketDialer) Dial(ctx context.Context, addr, token string) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse agent address %q: %w", addr, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial agent at %s: %w", addr, err)
	}

	// Inbound snapshots can be large; the 32KB default is too small for a
	// full mirrored session state.
	conn.SetReadLimit(8 << 20)

	return &wsConn{conn: conn}, nil
}

// wsConn adapts websocket.Conn to the Conn interface.
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return c.closeErr
}
