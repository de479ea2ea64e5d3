// Package transport owns the socket lifecycle for a terminal session: dial,
// serialized sends with flow-control accounting, receive dispatch, and
// close/error signaling. It moves opaque wire messages; framing lives in
// internal/wire and policy in internal/termclient.
package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// NotConnectedError reports a Send outside the open state.
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string {
	return "transport: not connected"
}

// ConnectionError reports a socket that failed to open or broke mid-stream.
// The reconnect supervisor retries these up to its bound.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsNormalClosure reports whether err is the peer closing the socket with a
// normal closure code: a deliberate end of stream, not a failure.
func IsNormalClosure(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// EventType labels connection-state changes surfaced to the session.
type EventType string

const (
	// EventOpen fires once the socket is established.
	EventOpen EventType = "open"
	// EventClose fires on caller-initiated close.
	EventClose EventType = "close"
	// EventError fires when the socket breaks or the peer closes it.
	EventError EventType = "error"
)

// Event is one connection-state change.
type Event struct {
	Type EventType
	Err  error
}

// FlowReporter receives the byte accounting every transport must provide:
// queued when a send is accepted, acked when the write has been flushed to
// the socket.
type FlowReporter interface {
	OnBytesQueued(n int)
	OnBytesAcked(n int)
}

// Conn is a minimal duplex message channel. WebSocket is the production
// implementation; tests substitute in-memory pipes.
type Conn interface {
	// ReadMessage blocks until the next whole message arrives.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage blocks until p has been flushed to the socket.
	WriteMessage(ctx context.Context, p []byte) error
	// Ping verifies liveness.
	Ping(ctx context.Context) error
	// Close tears the channel down.
	Close() error
}

// Dialer opens a Conn to a URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials WebSockets with coder/websocket. Messages are
// binary unless Text is set (the SockJS framing layer requires text).
type WebSocketDialer struct {
	// HTTPClient overrides the default client, e.g. to pin TLS config.
	HTTPClient *http.Client
	// Header is sent with the upgrade request.
	Header http.Header
	// Text switches outbound messages to text frames.
	Text bool
}

// Dial opens the WebSocket and applies the 1 MiB read limit matching
// wire.MaxPayload plus framing overhead.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}
	ws.SetReadLimit(1024*1024 + 16)
	typ := websocket.MessageBinary
	if d.Text {
		typ = websocket.MessageText
	}
	return &wsConn{ws: ws, typ: typ}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	ws  *websocket.Conn
	typ websocket.MessageType
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, p []byte) error {
	return c.ws.Write(ctx, c.typ, p)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
