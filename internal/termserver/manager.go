package termserver

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
)

// Sessions start with a conventional terminal size; the client sends its
// real dimensions right after attaching.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// minLimiterBurst keeps the rate limiter burst at least one pump read ahead
// of the 32 KB chunk size, so WaitN never asks for more than the burst.
const minLimiterBurst = 64 * 1024

// Meta carries request details recorded in the session's audit trail.
type Meta struct {
	ClientAddr string
	TokenName  string
}

// Manager tracks every terminal session on the gateway. It creates sessions
// against the exec backends, hands them out for attach, and reaps the ones
// nobody came back for.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// ScrollbackSize is the scrollback buffer cap for new sessions.
	ScrollbackSize int
	// IdleTimeout is how long a detached session survives before cleanup.
	// Zero disables automatic cleanup.
	IdleTimeout time.Duration
	// OutputBytesPerSec limits shell output bandwidth. Zero means unlimited.
	OutputBytesPerSec int
	// RecordingDir enables session recording when non-empty.
	RecordingDir string

	// Resolve picks the exec backend for a target. Tests override it.
	Resolve func(backend.Target) (backend.ExecBackend, error)
}

// NewManager creates a Manager configured from the gateway settings.
func NewManager() *Manager {
	return &Manager{
		sessions:          make(map[string]*Session),
		ScrollbackSize:    config.Cfg.ScrollbackBytes,
		IdleTimeout:       config.Cfg.SessionTimeoutDuration(),
		OutputBytesPerSec: config.Cfg.OutputBytesPerSec,
		RecordingDir:      config.Cfg.RecordingDir,
		Resolve:           backend.For,
	}
}

// Create opens a shell for the target and starts managing it. The session is
// born detached; the caller attaches a client writer separately. The shell's
// lifetime is not tied to ctx, which only bounds the open itself.
func (m *Manager) Create(ctx context.Context, target backend.Target, meta Meta) (*Session, error) {
	be, err := m.Resolve(target)
	if err != nil {
		return nil, err
	}
	stream, err := be.OpenShell(ctx, target, DefaultCols, DefaultRows)
	if err != nil {
		return nil, fmt.Errorf("open shell on %s: %w", be.BackendName(), err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.New().String(),
		Target:       target,
		Backend:      be.BackendName(),
		CreatedAt:    time.Now(),
		stream:       stream,
		scrollback:   NewScrollback(m.ScrollbackSize),
		ctx:          sctx,
		cancel:       cancel,
		state:        StateDetached,
		lastActivity: time.Now(),
		cols:         DefaultCols,
		rows:         DefaultRows,
		done:         make(chan struct{}),
	}
	if m.OutputBytesPerSec > 0 {
		burst := m.OutputBytesPerSec
		if burst < minLimiterBurst {
			burst = minLimiterBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(m.OutputBytesPerSec), burst)
	}
	if m.RecordingDir != "" {
		rec, rerr := NewRecorder(filepath.Join(m.RecordingDir, s.ID+".cast"),
			DefaultCols, DefaultRows, target.String())
		if rerr != nil {
			log.Printf("[termserver] session %s recording disabled: %v", s.ID, rerr)
		} else {
			s.recorder = rec
		}
	}

	if database.DB != nil {
		rec := &database.TerminalAuditRecord{
			SessionID:  s.ID,
			Namespace:  target.Namespace,
			Pod:        target.Pod,
			Container:  target.Container,
			Backend:    s.Backend,
			ClientAddr: meta.ClientAddr,
			TokenName:  meta.TokenName,
		}
		if s.recorder != nil {
			rec.RecordingPath = s.recorder.Path()
		}
		if derr := database.InsertAuditRecord(rec); derr != nil {
			log.Printf("[termserver] session %s audit insert: %v", s.ID, derr)
		}
	}

	go s.pump()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("[termserver] created session %s for %s via %s", s.ID, target, s.Backend)
	return s, nil
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// List returns all tracked sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// CloseSession closes a session by ID.
func (m *Manager) CloseSession(sessionID, reason string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %q not found", sessionID)
	}
	s.Close(reason)
	log.Printf("[termserver] closed session %s: %s", sessionID, reason)
	return nil
}

// Remove drops a session from the manager. The session should be closed first.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupIdle closes detached sessions idle past IdleTimeout and drops
// closed sessions from the map once they are equally stale. It returns the
// number of sessions closed and should be called periodically.
func (m *Manager) CleanupIdle() int {
	if m.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.IdleTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.State() == StateDetached && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		log.Printf("[termserver] reaping idle session %s (detached since %s)",
			s.ID, s.LastActivity().Format(time.RFC3339))
		s.Close("idle timeout")
		m.Remove(s.ID)
	}

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State() == StateClosed && s.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	return len(idle)
}

// Stop closes every session. Used during gateway shutdown.
func (m *Manager) Stop() {
	for _, s := range m.List() {
		s.Close("gateway shutdown")
	}
}

// Count returns the total number of tracked sessions, closed ones included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// LiveCount returns the number of sessions whose shell is still running.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if st := s.State(); st == StateActive || st == StateDetached {
			n++
		}
	}
	return n
}
