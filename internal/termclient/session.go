// Package termclient implements the client side of the terminal session
// transport: negotiation, framing, flow control, file transfer detection and
// automatic reconnection behind a single Session type.
//
// A Session owns one transport connection at a time. Inbound bytes run
// through the frame decoder and the transfer detector before reaching the
// emulator adapter; outbound input is either sent directly or buffered while
// the session is paused or between connections. All callbacks fire without
// internal locks held, so handlers may call back into the session.
package termclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/polydash/termgate/internal/flow"
	"github.com/polydash/termgate/internal/negotiate"
	"github.com/polydash/termgate/internal/transfer"
	"github.com/polydash/termgate/internal/transport"
	"github.com/polydash/termgate/internal/wire"
)

// inputChunkSize bounds the payload of a single input frame. Large pastes
// are split so no frame exceeds the wire payload limit.
const inputChunkSize = 32 << 10

// pausedOutputLimit bounds output withheld while the server has paused
// rendering. When exceeded, the gate opens early rather than reordering or
// dropping output. Tests may override.
var pausedOutputLimit int64 = 4 << 20

var errSessionClosed = errors.New("termclient: session closed")

// Events are optional callbacks surfaced by a Session. All of them fire
// synchronously from session goroutines with no locks held.
type Events struct {
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(from, to State, reason string)

	// OnTitle fires when the server updates the terminal title.
	OnTitle func(title string)

	// OnPreferences fires with the raw preferences document pushed by the
	// server.
	OnPreferences func(raw []byte)

	// OnSetUTF8 fires when the server toggles UTF-8 input mode.
	OnSetUTF8 func(enabled bool)

	// OnTransferStarted and OnTransferEnded bracket a detected file
	// transfer. OnTransferData carries payload withheld from rendering.
	OnTransferStarted func(protocol transfer.Protocol)
	OnTransferData    func(p []byte)
	OnTransferEnded   func(protocol transfer.Protocol)

	// OnTransferControl carries out-of-band transfer engine frames.
	OnTransferControl func(p []byte)

	// OnWarning reports recoverable problems such as a transfer abandoned
	// by a reconnect.
	OnWarning func(err error)
}

// Config assembles a Session.
type Config struct {
	// Identity names the target container.
	Identity negotiate.Identity

	// SessionURL is the negotiation endpoint template with {{namespace}},
	// {{pod}} and {{container}} placeholders.
	SessionURL string

	// Options carries emulator preferences; zero value means defaults.
	Options ClientOptions

	// Flow configures backpressure watermarks; zero value means defaults.
	Flow flow.Config

	// Dialer establishes transport connections. Nil selects plain
	// WebSocket; use transport.SockJSDialer behind restrictive proxies.
	Dialer transport.Dialer

	// Negotiator performs session negotiation. Nil selects a default
	// negotiator with no extra headers.
	Negotiator *negotiate.Negotiator

	Events Events
}

// Session is a single interactive terminal attached to one container.
type Session struct {
	identity   negotiate.Identity
	sessionURL string
	opts       ClientOptions
	events     Events
	negotiator *negotiate.Negotiator
	dialer     transport.Dialer
	flowCtl    *flow.Controller
	detector   *transfer.Detector

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	history         transitionLog
	err             error
	descriptor      negotiate.SessionDescriptor
	descriptorValid bool
	conn            *transport.Connection
	connGen         int
	decoder         wire.Decoder
	sink            outputSink
	pendingInput    [][]byte
	pendingBytes    int64
	flushing        bool
	outputPaused    bool
	pendingOutput   [][]byte
	pendingOutBytes int64
	lastCols        uint16
	lastRows        uint16
	reconnecting    bool
}

// NewSession builds a session in the Idle state. Nothing touches the network
// until Open is called.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionURL == "" {
		return nil, errors.New("termclient: session URL template required")
	}
	opts := cfg.Options.withDefaults()
	s := &Session{
		identity:   cfg.Identity,
		sessionURL: cfg.SessionURL,
		opts:       opts,
		events:     cfg.Events,
		negotiator: cfg.Negotiator,
		dialer:     cfg.Dialer,
		detector:   transfer.NewDetector(opts.EnableZmodem, opts.EnableTrzsz),
		state:      StateIdle,
	}
	if s.negotiator == nil {
		s.negotiator = negotiate.NewNegotiator(nil, nil)
	}
	if s.dialer == nil {
		s.dialer = &transport.WebSocketDialer{}
	}
	flowCtl, err := flow.NewController(cfg.Flow, s.handleBackpressure)
	if err != nil {
		return nil, err
	}
	s.flowCtl = flowCtl
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Open negotiates a session descriptor and establishes the transport. It
// blocks until the session is Open or has failed. The context bounds this
// call only; the session itself lives until Dispose.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("termclient: session %s already opened (state %s)", s.identity, state)
	}
	fire := appendFire(nil, s.transitionLocked(StateNegotiating, "open requested"))
	s.mu.Unlock()
	runAll(fire)

	// Dispose cancels the session context; fold it into the caller's.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	desc, err := s.negotiator.Negotiate(ctx, s.identity, s.sessionURL)
	if err != nil {
		s.mu.Lock()
		if s.state.Terminal() {
			s.mu.Unlock()
			return errSessionClosed
		}
		fire = s.failLocked(err, "negotiation failed")
		s.mu.Unlock()
		runAll(fire)
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.descriptor = desc
	s.descriptorValid = true
	fire = appendFire(nil, s.transitionLocked(StateConnecting, "session negotiated"))
	s.mu.Unlock()
	runAll(fire)

	backoff := reconnectInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff)
		}
		err := s.connectOnce(ctx, "transport connected")
		if err == nil {
			return nil
		}
		if errors.Is(err, errSessionClosed) {
			return err
		}
		lastErr = err
		log.Printf("[termclient] %s: connect attempt %d/%d failed: %v",
			s.identity, attempt, connectMaxAttempts, err)
	}
	if s.State().Terminal() {
		return errSessionClosed
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	s.failNow(lastErr, "connection attempts exhausted")
	return lastErr
}

// connectOnce dials a fresh transport connection for the current descriptor
// and, on success, moves the session to Open, replays the last known
// geometry and flushes buffered input.
func (s *Session) connectOnce(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.connGen++
	gen := s.connGen
	desc := s.descriptor
	s.mu.Unlock()

	conn := transport.NewConnection(s.dialer, s.flowCtl,
		func(p []byte) { s.handleMessage(gen, p) },
		func(evt transport.Event) { s.handleEvent(gen, evt) })
	if err := conn.Connect(ctx, desc.AttachURL()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() || gen != s.connGen {
		s.mu.Unlock()
		conn.Close()
		return errSessionClosed
	}
	if !conn.IsOpen() {
		// Torn down between Connect returning and this commit; the loss
		// event was ignored because the session was not Open yet.
		s.mu.Unlock()
		conn.Close()
		return &transport.ConnectionError{URL: desc.AttachURL(), Err: errors.New("transport closed during attach")}
	}
	s.conn = conn
	var resizeData []byte
	if s.lastCols > 0 && s.lastRows > 0 {
		resizeData, _ = wire.Encode(wire.EncodeResize(s.lastCols, s.lastRows))
	}
	flush := len(s.pendingInput) > 0
	if flush {
		s.flushing = true
	}
	fire := appendFire(nil, s.transitionLocked(StateOpen, reason))
	s.mu.Unlock()

	if resizeData != nil {
		_ = conn.Send(resizeData)
	}
	runAll(fire)
	if flush {
		s.flushPending()
	}
	return nil
}

// SendInput submits user keystrokes. Input is sent immediately while the
// session is Open and unpressured, buffered while it is Paused, connecting
// or reconnecting, and dropped once it is Closed or Failed. Exceeding the
// buffered input limit fails the session with BackpressureOverflowError.
func (s *Session) SendInput(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > inputChunkSize {
			n = inputChunkSize
		}
		if err := s.sendInputChunk(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *Session) sendInputChunk(p []byte) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateOpen && !s.flushing && s.conn != nil && !s.flowCtl.IsBackpressured() {
		conn := s.conn
		s.mu.Unlock()
		data, err := wire.Encode(wire.Frame{Kind: wire.KindInput, Payload: p})
		if err != nil {
			return err
		}
		err = conn.Send(data)
		if err == nil {
			return nil
		}
		var nc *transport.NotConnectedError
		if !errors.As(err, &nc) {
			return err
		}
		// Lost the transport between the state check and the send; the
		// reconnect flush will pick this chunk up.
		s.mu.Lock()
	}
	fire, err := s.bufferInputLocked(p)
	s.mu.Unlock()
	runAll(fire)
	return err
}

func (s *Session) bufferInputLocked(p []byte) ([]func(), error) {
	if s.state.Terminal() {
		return nil, nil
	}
	limit := s.flowCtl.Config().Limit
	if s.pendingBytes+int64(len(p)) > limit {
		overflow := &flow.BackpressureOverflowError{
			Buffered: s.pendingBytes + int64(len(p)),
			Limit:    limit,
		}
		return s.failLocked(overflow, "buffered input limit exceeded"), overflow
	}
	buf := append([]byte(nil), p...)
	s.pendingInput = append(s.pendingInput, buf)
	s.pendingBytes += int64(len(buf))
	return nil, nil
}

// flushPending drains buffered input in arrival order. It stops early when
// backpressure re-asserts or the transport drops; the remainder stays queued
// for the next flush.
func (s *Session) flushPending() {
	for {
		s.mu.Lock()
		if s.state.Terminal() || s.conn == nil || len(s.pendingInput) == 0 || s.flowCtl.IsBackpressured() {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		payload := s.pendingInput[0]
		s.pendingInput = s.pendingInput[1:]
		s.pendingBytes -= int64(len(payload))
		if len(s.pendingInput) == 0 {
			s.pendingInput = nil
		}
		conn := s.conn
		s.mu.Unlock()

		data, err := wire.Encode(wire.Frame{Kind: wire.KindInput, Payload: payload})
		if err != nil {
			log.Printf("[termclient] %s: dropping unencodable input frame: %v", s.identity, err)
			continue
		}
		if err := conn.Send(data); err != nil {
			s.mu.Lock()
			s.pendingInput = append([][]byte{payload}, s.pendingInput...)
			s.pendingBytes += int64(len(payload))
			s.flushing = false
			s.mu.Unlock()
			return
		}
	}
}

// Resize reports new terminal geometry. Resize frames bypass input
// buffering and backpressure gating; while disconnected the geometry is
// remembered and replayed on the next attach.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("termclient: resize to %dx%d rejected", cols, rows)
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.lastCols, s.lastRows = cols, rows
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	data, err := wire.Encode(wire.EncodeResize(cols, rows))
	if err != nil {
		return err
	}
	err = conn.Send(data)
	var nc *transport.NotConnectedError
	if errors.As(err, &nc) {
		return nil
	}
	return err
}

// SendTransferControl sends an out-of-band frame for the file transfer
// engine. Transfer traffic is never buffered across reconnects; sending
// while disconnected returns NotConnectedError.
func (s *Session) SendTransferControl(p []byte) error {
	s.mu.Lock()
	conn := s.conn
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal || conn == nil {
		return &transport.NotConnectedError{}
	}
	data, err := wire.Encode(wire.Frame{Kind: wire.KindTransferControl, Payload: p})
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Dispose releases the session: the transport is closed, buffered input is
// discarded and any in-flight transfer is reported as aborted. Dispose is
// idempotent and safe from any state.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	fire := s.releaseLocked(StateClosed, "disposed")
	s.mu.Unlock()
	runAll(fire)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Identity returns the container identity the session is bound to.
func (s *Session) Identity() negotiate.Identity { return s.identity }

// Options returns the effective client options.
func (s *Session) Options() ClientOptions { return s.opts }

// Descriptor returns the most recent negotiated descriptor.
func (s *Session) Descriptor() negotiate.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

// Transitions returns the recorded state transitions, oldest first.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.history()
}

// BufferedInput returns the number of input bytes waiting for a flush.
func (s *Session) BufferedInput() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}

func (s *Session) setSink(sink outputSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// handleBackpressure reacts to flow controller watermark crossings.
func (s *Session) handleBackpressure(asserted bool) {
	var fire []func()
	s.mu.Lock()
	switch {
	case asserted && s.state == StateOpen:
		fire = appendFire(fire, s.transitionLocked(StatePaused, "backpressure asserted"))
	case !asserted && s.state == StatePaused:
		fire = appendFire(fire, s.transitionLocked(StateOpen, "backpressure released"))
		if len(s.pendingInput) > 0 && !s.flushing && s.conn != nil {
			s.flushing = true
			go s.flushPending()
		}
	}
	s.mu.Unlock()
	runAll(fire)
}

// handleMessage feeds raw transport bytes through the decoder and routes
// every complete frame. Stale generations are ignored.
func (s *Session) handleMessage(gen int, p []byte) {
	var fire []func()
	s.mu.Lock()
	if gen != s.connGen || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.decoder.Feed(p)
	for {
		f, err := s.decoder.Next()
		if err != nil {
			if !errors.Is(err, wire.ErrIncomplete) {
				fire = append(fire, s.failLocked(err, "protocol error")...)
			}
			break
		}
		fire = append(fire, s.routeFrameLocked(f)...)
		if s.state.Terminal() {
			break
		}
	}
	s.mu.Unlock()
	runAll(fire)
}

// routeFrameLocked dispatches one decoded frame. It returns the callbacks
// and output deliveries to run after the lock is released, in order.
func (s *Session) routeFrameLocked(f wire.Frame) []func() {
	var fire []func()
	switch f.Kind {
	case wire.KindOutput:
		res := s.detector.Inspect(f.Payload)
		switch res.Class {
		case transfer.TransferStarted:
			if cb := s.events.OnTransferStarted; cb != nil {
				proto := res.Protocol
				fire = append(fire, func() { cb(proto) })
			}
		case transfer.TransferData:
			if cb := s.events.OnTransferData; cb != nil {
				payload := f.Payload
				fire = append(fire, func() { cb(payload) })
			}
		case transfer.TransferEnded:
			if cb := s.events.OnTransferEnded; cb != nil {
				proto := res.Protocol
				fire = append(fire, func() { cb(proto) })
			}
		default:
			fire = append(fire, s.deliverOutputLocked(f.Payload)...)
		}
	case wire.KindTitle:
		if cb := s.events.OnTitle; cb != nil {
			title := string(f.Payload)
			fire = append(fire, func() { cb(title) })
		}
	case wire.KindPreferences:
		if cb := s.events.OnPreferences; cb != nil {
			raw := f.Payload
			fire = append(fire, func() { cb(raw) })
		}
	case wire.KindSetUTF8:
		enabled, err := wire.ParseSetUTF8(f.Payload)
		if err != nil {
			return append(fire, s.failLocked(err, "protocol error")...)
		}
		if cb := s.events.OnSetUTF8; cb != nil {
			fire = append(fire, func() { cb(enabled) })
		}
	case wire.KindPause:
		s.outputPaused = true
	case wire.KindResume:
		s.outputPaused = false
		fire = append(fire, s.drainPausedOutputLocked()...)
	case wire.KindTransferControl:
		if cb := s.events.OnTransferControl; cb != nil {
			payload := f.Payload
			fire = append(fire, func() { cb(payload) })
		}
	case wire.KindInput, wire.KindResize:
		// Client-direction kinds echoed back carry nothing to apply.
	}
	return fire
}

// deliverOutputLocked routes rendered output, withholding it while the
// server has paused delivery. The withheld queue is bounded; on overflow
// the gate opens early so output is never reordered or dropped.
func (s *Session) deliverOutputLocked(payload []byte) []func() {
	if !s.outputPaused {
		if sink := s.sink; sink != nil {
			return []func(){func() { sink.writeOutput(payload) }}
		}
		return nil
	}
	s.pendingOutput = append(s.pendingOutput, payload)
	s.pendingOutBytes += int64(len(payload))
	if s.pendingOutBytes > pausedOutputLimit {
		log.Printf("[termclient] %s: paused output exceeded %d bytes, resuming delivery",
			s.identity, pausedOutputLimit)
		s.outputPaused = false
		return s.drainPausedOutputLocked()
	}
	return nil
}

func (s *Session) drainPausedOutputLocked() []func() {
	if len(s.pendingOutput) == 0 {
		return nil
	}
	out := s.pendingOutput
	s.pendingOutput = nil
	s.pendingOutBytes = 0
	sink := s.sink
	if sink == nil {
		return nil
	}
	return []func(){func() {
		for _, p := range out {
			sink.writeOutput(p)
		}
	}}
}

// handleEvent reacts to transport lifecycle events for the given connection
// generation.
func (s *Session) handleEvent(gen int, evt transport.Event) {
	switch evt.Type {
	case transport.EventOpen:
		// Connect's return value drives the state machine.
	case transport.EventClose, transport.EventError:
		s.handleTransportLoss(gen, evt)
	}
}

// handleTransportLoss moves an Open or Paused session to Reconnecting and
// starts the reconnect supervisor. Withheld output is delivered first so
// nothing is lost to the dead pause gate. A normal closure is not a loss:
// the server ended the session, so there is nothing to reconnect to.
func (s *Session) handleTransportLoss(gen int, evt transport.Event) {
	var fire []func()
	s.mu.Lock()
	if gen != s.connGen || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateOpen, StatePaused:
	default:
		s.mu.Unlock()
		return
	}
	if transport.IsNormalClosure(evt.Err) {
		s.outputPaused = false
		fire = append(fire, s.drainPausedOutputLocked()...)
		fire = append(fire, s.releaseLocked(StateClosed, "closed by server")...)
		s.mu.Unlock()
		runAll(fire)
		return
	}
	s.conn = nil
	s.connGen++
	s.flushing = false
	s.decoder.Reset()
	s.outputPaused = false
	fire = append(fire, s.drainPausedOutputLocked()...)
	if err := s.detector.ForceReset(); err != nil {
		fire = appendFire(fire, s.warnLocked(err))
	}
	reason := "transport closed"
	if evt.Err != nil {
		reason = fmt.Sprintf("transport lost: %v", evt.Err)
	}
	fire = appendFire(fire, s.transitionLocked(StateReconnecting, reason))
	fire = append(fire, func() { s.flowCtl.Reset() })
	s.mu.Unlock()
	runAll(fire)
	go s.superviseReconnect()
}

// releaseLocked tears the session down into a terminal state and returns
// the callbacks to run after the lock is released.
func (s *Session) releaseLocked(to State, reason string) []func() {
	var fire []func()
	conn := s.conn
	s.conn = nil
	s.connGen++
	if conn != nil {
		fire = append(fire, func() { conn.Close() })
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.pendingInput = nil
	s.pendingBytes = 0
	s.pendingOutput = nil
	s.pendingOutBytes = 0
	s.outputPaused = false
	s.flushing = false
	s.decoder.Reset()
	if err := s.detector.ForceReset(); err != nil {
		fire = appendFire(fire, s.warnLocked(err))
	}
	fire = appendFire(fire, s.transitionLocked(to, reason))
	fire = append(fire, func() { s.flowCtl.Reset() })
	return fire
}

func (s *Session) failLocked(cause error, reason string) []func() {
	if s.state.Terminal() {
		return nil
	}
	s.err = cause
	log.Printf("[termclient] %s: session failed: %v", s.identity, cause)
	return s.releaseLocked(StateFailed, reason)
}

func (s *Session) failNow(cause error, reason string) {
	s.mu.Lock()
	fire := s.failLocked(cause, reason)
	s.mu.Unlock()
	runAll(fire)
}

// transitionLocked validates and records a state change and returns the
// OnStateChange invocation to run after the lock is released.
func (s *Session) transitionLocked(to State, reason string) func() {
	from := s.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		log.Printf("[termclient] %s: rejected transition %s -> %s (%s)", s.identity, from, to, reason)
		return nil
	}
	s.state = to
	s.history.record(from, to, reason)
	cb := s.events.OnStateChange
	if cb == nil {
		return nil
	}
	return func() { cb(from, to, reason) }
}

func (s *Session) warnLocked(err error) func() {
	log.Printf("[termclient] %s: %v", s.identity, err)
	cb := s.events.OnWarning
	if cb == nil {
		return nil
	}
	return func() { cb(err) }
}

func appendFire(fire []func(), f func()) []func() {
	if f == nil {
		return fire
	}
	return append(fire, f)
}

func runAll(fire []func()) {
	for _, f := range fire {
		f()
	}
}
