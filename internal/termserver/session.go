// Package termserver manages interactive terminal sessions on the gateway.
// A session owns one exec stream (a shell on some backend) and outlives the
// websocket that views it: clients attach, detach, and reattach while the
// shell keeps running, with recent output replayed from a scrollback buffer
// on each attach.
package termserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/database"
)

// State is the lifecycle state of a managed session.
type State string

const (
	// StateActive means the shell is running and a client is attached.
	StateActive State = "active"
	// StateDetached means the shell is running with no client attached.
	// Sessions start detached; the first attach makes them active.
	StateDetached State = "detached"
	// StateClosed means the shell has ended.
	StateClosed State = "closed"
)

// Terminal dimensions are clamped so a client cannot ask the PTY layer for
// absurd sizes.
const (
	MaxCols = 500
	MaxRows = 500
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrAlreadyAttached = errors.New("session already attached")
)

// Session is one managed shell. Output is pumped from the exec stream into
// the scrollback buffer, the recording (if enabled), and the attached client
// writer, in that order, so a reattaching client never sees bytes twice.
//
// Lifecycle:
//  1. Created via Manager.Create -> state=Detached, pump running
//  2. Client attaches -> state=Active, scrollback replayed
//  3. Client detaches -> state=Detached, shell keeps running
//  4. Shell exits or explicit Close -> state=Closed, audit record finalized
type Session struct {
	// ID is the session's unique identifier (UUID).
	ID string
	// Target identifies the shell's location (namespace/pod/container).
	Target backend.Target
	// Backend names the exec backend serving this session.
	Backend string
	// CreatedAt is when the session was created.
	CreatedAt time.Time

	stream     *backend.ExecStream
	scrollback *Scrollback
	recorder   *Recorder     // nil when recording is disabled
	limiter    *rate.Limiter // nil when output is unlimited

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	attached     io.Writer
	paused       bool
	pauseCh      chan struct{} // closed on resume, detach, and close
	cols, rows   uint16
	lastActivity time.Time
	closedAt     *time.Time
	exitReason   string
	bytesIn      int64
	bytesOut     int64

	// done is closed when the output pump exits and the audit record
	// has been finalized.
	done chan struct{}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAttached reports whether a client writer is currently attached.
func (s *Session) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached != nil
}

// LastActivity returns the time of the last attach, input, or state change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ClosedAt returns when the session closed, or nil while it is running.
func (s *Session) ClosedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// Size returns the last terminal size set by the client.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// ByteCounts returns bytes written to stdin and bytes read from stdout.
func (s *Session) ByteCounts() (in, out int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn, s.bytesOut
}

// Done returns a channel closed when the shell has ended and the session's
// audit record has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Attach connects a client writer to the session. The scrollback buffer is
// written to w before the writer goes live, so replayed and fresh output
// stay ordered and nothing is delivered twice. Only one client may be
// attached at a time.
func (s *Session) Attach(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.attached != nil {
		return ErrAlreadyAttached
	}
	if history := s.scrollback.Snapshot(); len(history) > 0 {
		if _, err := w.Write(history); err != nil {
			return fmt.Errorf("replay scrollback: %w", err)
		}
	}
	s.attached = w
	s.state = StateActive
	s.lastActivity = time.Now()
	// A pause belongs to the previous client.
	s.resumeLocked()
	return nil
}

// Detach disconnects the current client. The shell keeps running and output
// keeps accumulating in the scrollback buffer.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == nil {
		return
	}
	s.attached = nil
	if s.state == StateActive {
		s.state = StateDetached
	}
	s.lastActivity = time.Now()
	s.resumeLocked()
}

// WriteInput forwards client keystrokes to the shell's stdin.
func (s *Session) WriteInput(p []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.bytesIn += int64(len(p))
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.Input(p)
	}
	if _, err := s.stream.Stdin.Write(p); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Resize sets the terminal size, clamped to MaxCols x MaxRows. The resize is
// serialized with Close so the stream is never resized after it is torn down.
func (s *Session) Resize(cols, rows uint16) error {
	cols, rows = clampSize(cols, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.cols, s.rows = cols, rows
	s.lastActivity = time.Now()
	if err := s.stream.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	return nil
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// PauseOutput stops the output pump before its next read. The shell blocks
// on its PTY once the kernel buffer fills, so a paused session stops
// producing rather than piling output up in memory.
func (s *Session) PauseOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.state == StateClosed {
		return
	}
	s.paused = true
	s.pauseCh = make(chan struct{})
}

// ResumeOutput restarts a paused output pump.
func (s *Session) ResumeOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

func (s *Session) resumeLocked() {
	if s.paused {
		s.paused = false
		close(s.pauseCh)
	}
}

// Close terminates the session and the underlying shell. The first call's
// reason is kept for the audit record; later calls are no-ops.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	now := time.Now()
	s.closedAt = &now
	s.lastActivity = now
	s.exitReason = reason
	s.attached = nil
	s.resumeLocked()
	s.mu.Unlock()

	s.cancel()
	if err := s.stream.Close(); err != nil {
		log.Printf("[termserver] session %s stream close: %v", s.ID, err)
	}
}

// pump reads shell output for the lifetime of the session and fans it out to
// the scrollback buffer, the recorder, and the attached client. It exits when
// the stream ends or the session is closed.
func (s *Session) pump() {
	defer s.finalize()
	buf := make([]byte, 32*1024)
	for {
		if !s.waitWhilePaused() {
			return
		}
		n, err := s.stream.Stdout.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
					return
				}
			}
			s.deliver(buf[:n])
		}
		if err != nil {
			if s.State() != StateClosed {
				log.Printf("[termserver] session %s output ended: %v", s.ID, err)
			}
			return
		}
	}
}

// waitWhilePaused blocks while the client has paused output. It returns
// false once the session is closed.
func (s *Session) waitWhilePaused() bool {
	s.mu.Lock()
	for s.paused && s.state != StateClosed {
		ch := s.pauseCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	open := s.state != StateClosed
	s.mu.Unlock()
	return open
}

// deliver fans one chunk of output out under the session lock so an attach
// replaying scrollback can never interleave with (or duplicate) live output.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	s.bytesOut += int64(len(data))
	s.scrollback.Write(data)
	if s.recorder != nil {
		s.recorder.Output(data)
	}
	w := s.attached
	var err error
	if w != nil {
		_, err = w.Write(data)
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[termserver] session %s client write failed, detaching: %v", s.ID, err)
		s.Detach()
	}
}

// finalize runs once when the pump exits: it marks the session closed,
// closes the recording, and completes the audit record.
func (s *Session) finalize() {
	s.Close("shell exited")

	s.mu.Lock()
	reason := s.exitReason
	in, out := s.bytesIn, s.bytesOut
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("[termserver] session %s recording close: %v", s.ID, err)
		}
	}
	if database.DB != nil {
		if err := database.CloseAuditRecord(s.ID, reason, in, out); err != nil {
			log.Printf("[termserver] session %s audit close: %v", s.ID, err)
		}
	}
	log.Printf("[termserver] session %s ended: %s (in=%dB out=%dB)", s.ID, reason, in, out)
	close(s.done)
}
