package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Dial and keepalive defaults. Tests override these to keep timings short.
var (
	DialTimeout  = 15 * time.Second
	PingInterval = 30 * time.Second
)

// Connection runs one socket for one connection attempt. The session builds
// a fresh Connection per attempt; reconnection policy lives above, in the
// supervisor.
//
// Sends are serialized through a single writer goroutine. Every accepted
// Send reports its byte count to the FlowReporter immediately; the ack
// follows once the writer has flushed the message to the socket. That pair
// of signals is what drives backpressure upstream.
type Connection struct {
	dialer    Dialer
	flow      FlowReporter
	onMessage func(p []byte)
	onEvent   func(Event)

	mu     sync.Mutex
	wake   *sync.Cond
	conn   Conn
	open   bool
	torn   bool
	queue  [][]byte
	cancel context.CancelFunc
}

// NewConnection wires a connection to its dialer, flow accounting, and
// callbacks. Either callback may be nil. Call Connect to actually dial.
func NewConnection(dialer Dialer, flow FlowReporter, onMessage func([]byte), onEvent func(Event)) *Connection {
	c := &Connection{
		dialer:    dialer,
		flow:      flow,
		onMessage: onMessage,
		onEvent:   onEvent,
	}
	c.wake = sync.NewCond(&c.mu)
	return c
}

// Connect dials the URL and starts the read/write loops. The context bounds
// the connection's lifetime; the dial itself is additionally capped by
// DialTimeout. Emits EventOpen on success.
func (c *Connection) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return &NotConnectedError{}
	}
	if c.conn != nil {
		c.mu.Unlock()
		return &ConnectionError{URL: url, Err: errAlreadyConnected}
	}
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, DialTimeout)
	conn, err := c.dialer.Dial(dialCtx, url)
	cancelDial()
	if err != nil {
		var cerr *ConnectionError
		if errors.As(err, &cerr) {
			return err
		}
		return &ConnectionError{URL: url, Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.torn {
		// Closed while dialing: do not resurrect.
		c.mu.Unlock()
		cancel()
		conn.Close()
		return &NotConnectedError{}
	}
	c.conn = conn
	c.cancel = cancel
	c.open = true
	c.mu.Unlock()

	go c.writeLoop(loopCtx, conn)
	go c.readLoop(loopCtx, conn)
	if PingInterval > 0 {
		go c.pingLoop(loopCtx, conn)
	}

	c.emit(Event{Type: EventOpen})
	return nil
}

// Send queues one message for the writer. Fails with NotConnectedError
// outside the open state. The message is copied, so the caller may reuse p.
func (c *Connection) Send(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return &NotConnectedError{}
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.queue = append(c.queue, buf)
	c.mu.Unlock()

	if c.flow != nil {
		c.flow.OnBytesQueued(len(p))
	}
	c.wake.Signal()
	return nil
}

// IsOpen reports whether Send will currently be accepted.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// QueueDepth returns the number of pending outbound messages.
func (c *Connection) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close tears the connection down deliberately, emitting EventClose. Safe
// to call multiple times and before Connect.
func (c *Connection) Close() error {
	c.teardown(Event{Type: EventClose})
	return nil
}

// teardown closes the socket and emits exactly one terminal event; later
// teardown calls (a read error racing a local Close, or vice versa) are
// dropped.
func (c *Connection) teardown(evt Event) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.open = false
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wake.Broadcast()
	c.emit(evt)
}

func (c *Connection) writeLoop(ctx context.Context, conn Conn) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.torn {
			c.wake.Wait()
		}
		if c.torn {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := conn.WriteMessage(ctx, msg); err != nil {
			c.teardown(Event{Type: EventError, Err: &ConnectionError{Err: err}})
			return
		}
		if c.flow != nil {
			c.flow.OnBytesAcked(len(msg))
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) {
	for {
		p, err := conn.ReadMessage(ctx)
		if err != nil {
			c.teardown(Event{Type: EventError, Err: &ConnectionError{Err: err}})
			return
		}
		if c.onMessage != nil {
			c.onMessage(p)
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				c.teardown(Event{Type: EventError, Err: &ConnectionError{Err: err}})
				return
			}
		}
	}
}

func (c *Connection) emit(evt Event) {
	if c.onEvent != nil {
		c.onEvent(evt)
	}
}

var errAlreadyConnected = &alreadyConnectedError{}

type alreadyConnectedError struct{}

func (e *alreadyConnectedError) Error() string {
	return "connection already established"
}
