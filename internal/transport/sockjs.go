// sockjs.go implements the client side of the SockJS WebSocket transport,
// for dashboards fronted by proxies that cannot pass a raw binary upgrade.
// SockJS carries JSON strings, so wire messages are base64-encoded inside
// the frames:
//
//	server -> client: "o" (open), "h" (heartbeat), "a[\"<b64>\",...]" (data),
//	                  "c[code,\"reason\"]" (close)
//	client -> server: "[\"<b64>\"]"
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SockJSDialer wraps a text WebSocket dial in SockJS session URLs and
// framing. The zero value is ready to use.
type SockJSDialer struct {
	// Inner performs the underlying dial. Defaults to a text-mode
	// WebSocketDialer. Tests substitute in-memory pipes.
	Inner Dialer
}

// Dial appends the SockJS /<server>/<session>/websocket suffix, opens the
// socket, and waits for the server's open frame.
func (d *SockJSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	inner := d.Inner
	if inner == nil {
		inner = &WebSocketDialer{Text: true}
	}

	conn, err := inner.Dial(ctx, sessionURL(url))
	if err != nil {
		return nil, err
	}

	first, err := conn.ReadMessage(ctx)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{URL: url, Err: fmt.Errorf("waiting for sockjs open frame: %w", err)}
	}
	if len(first) == 0 || first[0] != 'o' {
		conn.Close()
		return nil, &ConnectionError{URL: url, Err: fmt.Errorf("unexpected sockjs greeting %q", first)}
	}

	return &sockJSConn{inner: conn}, nil
}

// sessionURL builds the per-connection SockJS URL: base/<server>/<session>/websocket.
func sessionURL(base string) string {
	u := uuid.New()
	server := fmt.Sprintf("%03d", (int(u[0])<<8|int(u[1]))%1000)
	session := strings.ReplaceAll(u.String(), "-", "")[:16]
	return strings.TrimRight(base, "/") + "/" + server + "/" + session + "/websocket"
}

type sockJSConn struct {
	inner   Conn
	pending [][]byte
}

// ReadMessage decodes SockJS frames until a data message is available.
// Heartbeats are swallowed; a close frame surfaces as an error.
func (c *sockJSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			return msg, nil
		}

		frame, err := c.inner.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		switch frame[0] {
		case 'h':
			// Heartbeat.
		case 'a':
			var encoded []string
			if err := json.Unmarshal(frame[1:], &encoded); err != nil {
				return nil, fmt.Errorf("sockjs: malformed array frame: %w", err)
			}
			for _, e := range encoded {
				raw, err := base64.StdEncoding.DecodeString(e)
				if err != nil {
					return nil, fmt.Errorf("sockjs: payload is not base64: %w", err)
				}
				c.pending = append(c.pending, raw)
			}
		case 'm':
			var encoded string
			if err := json.Unmarshal(frame[1:], &encoded); err != nil {
				return nil, fmt.Errorf("sockjs: malformed message frame: %w", err)
			}
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("sockjs: payload is not base64: %w", err)
			}
			c.pending = append(c.pending, raw)
		case 'c':
			return nil, fmt.Errorf("sockjs: closed by server: %s", frame[1:])
		case 'o':
			return nil, fmt.Errorf("sockjs: unexpected open frame mid-stream")
		default:
			return nil, fmt.Errorf("sockjs: unknown frame type %q", frame[0])
		}
	}
}

func (c *sockJSConn) WriteMessage(ctx context.Context, p []byte) error {
	frame, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(p)})
	if err != nil {
		return fmt.Errorf("sockjs: encode message: %w", err)
	}
	return c.inner.WriteMessage(ctx, frame)
}

func (c *sockJSConn) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *sockJSConn) Close() error {
	return c.inner.Close()
}
