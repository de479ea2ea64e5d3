package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
	"github.com/polydash/termgate/internal/middleware"
	"github.com/polydash/termgate/internal/termserver"
	"github.com/polydash/termgate/internal/wire"
)

// setupHandlerTest swaps in an in-memory database and test config for the
// duration of one test.
func setupHandlerTest(t *testing.T) func() {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}, &database.APIToken{}, &database.TerminalAuditRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prevDB := database.DB
	prevCfg := config.Cfg
	database.DB = db
	config.Cfg = config.Settings{
		AttachTokenTTL:  "2m",
		SessionTimeout:  "30m",
		ScrollbackBytes: 64 * 1024,
	}
	return func() {
		database.DB = prevDB
		config.Cfg = prevCfg
	}
}

// setupSessionManager installs a manager backed by the fake exec backend.
func setupSessionManager(t *testing.T, fb *fakeExecBackend) func() {
	t.Helper()
	mgr := termserver.NewManager()
	mgr.Resolve = func(backend.Target) (backend.ExecBackend, error) { return fb, nil }
	Sessions = mgr
	return func() {
		mgr.Stop()
		Sessions = nil
	}
}

// setupGatewayServer creates an httptest.Server with the terminal routes
// wired up. When token is non-nil every request carries it, as the auth
// middleware would after verifying a bearer token.
func setupGatewayServer(t *testing.T, token *database.APIToken) (*httptest.Server, func()) {
	t.Helper()
	mux := chi.NewRouter()
	if token != nil {
		mux.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, middleware.ContextWithToken(r, token))
			})
		})
	}
	mux.Get("/api/v1/terminal/session/{namespace}/{pod}/{container}", NegotiateSession)
	mux.Get("/api/v1/terminal/attach/{id}", AttachTerminal)
	mux.Get("/api/v1/terminal/sessions", ListTerminalSessions)
	mux.Get("/api/v1/terminal/sessions/{id}", GetTerminalSession)
	mux.Delete("/api/v1/terminal/sessions/{id}", CloseTerminalSession)
	mux.Get("/api/v1/health", HealthCheck)
	ts := httptest.NewServer(mux)
	return ts, ts.Close
}

// newChiRequest builds a request with chi URL params injected, for calling
// handlers directly without a router.
func newChiRequest(method, path string, params map[string]string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// negotiated mirrors the negotiation response payload.
type negotiated struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	WSURL string `json:"ws_url"`
}

func negotiateSession(t *testing.T, ts *httptest.Server, path string) negotiated {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("negotiate: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var n negotiated
	if err := json.Unmarshal(body, &n); err != nil {
		t.Fatalf("negotiate: parse response: %v", err)
	}
	return n
}

func attachURL(ts *httptest.Server, id, token string) string {
	return fmt.Sprintf("ws%s/api/v1/terminal/attach/%s?token=%s",
		strings.TrimPrefix(ts.URL, "http"), id, url.QueryEscape(token))
}

func dialAttach(ctx context.Context, t *testing.T, ts *httptest.Server, id, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, attachURL(ts, id, token), nil)
	if err != nil {
		t.Fatalf("dial attach websocket: %v", err)
	}
	return conn
}

// frameConn reads and writes wire frames over a websocket.
type frameConn struct {
	conn *websocket.Conn
	dec  wire.Decoder
}

func (fc *frameConn) next(ctx context.Context) (wire.Frame, error) {
	for {
		f, err := fc.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			return wire.Frame{}, err
		}
		_, data, err := fc.conn.Read(ctx)
		if err != nil {
			return wire.Frame{}, err
		}
		fc.dec.Feed(data)
	}
}

func (fc *frameConn) writeFrame(ctx context.Context, t *testing.T, f wire.Frame) {
	t.Helper()
	buf, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("encode %s frame: %v", f.Kind, err)
	}
	if err := fc.conn.Write(ctx, websocket.MessageBinary, buf); err != nil {
		t.Fatalf("write %s frame: %v", f.Kind, err)
	}
}

// readPreamble consumes the Title and SetUTF8 frames every attach starts
// with and returns the title text.
func readPreamble(ctx context.Context, t *testing.T, fc *frameConn) string {
	t.Helper()
	f, err := fc.next(ctx)
	if err != nil {
		t.Fatalf("read title frame: %v", err)
	}
	if f.Kind != wire.KindTitle {
		t.Fatalf("expected title frame first, got %s", f.Kind)
	}
	title := string(f.Payload)

	f, err = fc.next(ctx)
	if err != nil {
		t.Fatalf("read set-utf8 frame: %v", err)
	}
	if f.Kind != wire.KindSetUTF8 {
		t.Fatalf("expected set-utf8 frame, got %s", f.Kind)
	}
	if on, err := wire.ParseSetUTF8(f.Payload); err != nil || !on {
		t.Fatalf("expected utf-8 enabled, got %v (err: %v)", on, err)
	}
	return title
}

// readOutputUntil collects Output frame payloads until want appears in the
// collected text, skipping frames of other kinds.
func readOutputUntil(ctx context.Context, t *testing.T, fc *frameConn, want string) string {
	t.Helper()
	var out strings.Builder
	for {
		f, err := fc.next(ctx)
		if err != nil {
			t.Fatalf("read output (have %q, want %q): %v", out.String(), want, err)
		}
		if f.Kind != wire.KindOutput {
			continue
		}
		out.Write(f.Payload)
		if strings.Contains(out.String(), want) {
			return out.String()
		}
	}
}

// expectClose reads until the connection closes and returns the close code.
func expectClose(ctx context.Context, conn *websocket.Conn) websocket.StatusCode {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Fake exec backend ---

// fakeShell is an in-process stand-in for a backend shell. A goroutine plays
// the process: it prints the banner, then echoes stdin to stdout when echo
// is on. Resize calls are recorded for inspection.
type fakeShell struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu      sync.Mutex
	resizes []string
	closed  bool
	echo    bool
}

func newFakeShell(banner string, echo bool) *fakeShell {
	fs := &fakeShell{echo: echo}
	fs.stdinR, fs.stdinW = io.Pipe()
	fs.stdoutR, fs.stdoutW = io.Pipe()
	go fs.run(banner)
	return fs
}

func (fs *fakeShell) run(banner string) {
	if banner != "" {
		if _, err := fs.stdoutW.Write([]byte(banner)); err != nil {
			return
		}
	}
	buf := make([]byte, 1024)
	for {
		n, err := fs.stdinR.Read(buf)
		if n > 0 && fs.echo {
			if _, werr := fs.stdoutW.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// exit simulates the shell process ending.
func (fs *fakeShell) exit() {
	fs.stdoutW.Close()
}

func (fs *fakeShell) isClosed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

func (fs *fakeShell) resizeLog() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.resizes...)
}

func (fs *fakeShell) stream() *backend.ExecStream {
	return &backend.ExecStream{
		Stdin:  fs.stdinW,
		Stdout: fs.stdoutR,
		Resize: func(cols, rows uint16) error {
			fs.mu.Lock()
			fs.resizes = append(fs.resizes, fmt.Sprintf("%dx%d", cols, rows))
			fs.mu.Unlock()
			return nil
		},
		Close: func() error {
			fs.mu.Lock()
			if fs.closed {
				fs.mu.Unlock()
				return nil
			}
			fs.closed = true
			fs.mu.Unlock()
			fs.stdinR.Close()
			fs.stdoutW.Close()
			return nil
		},
	}
}

// fakeExecBackend hands out fakeShell streams for any target.
type fakeExecBackend struct {
	name    string
	banner  string
	echo    bool
	openErr error

	mu     sync.Mutex
	shells []*fakeShell
}

func (b *fakeExecBackend) Initialize(context.Context) error { return nil }
func (b *fakeExecBackend) IsAvailable(context.Context) bool { return true }
func (b *fakeExecBackend) BackendName() string              { return b.name }
func (b *fakeExecBackend) Handles(backend.Target) bool      { return true }

func (b *fakeExecBackend) OpenShell(context.Context, backend.Target, uint16, uint16) (*backend.ExecStream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	fs := newFakeShell(b.banner, b.echo)
	b.mu.Lock()
	b.shells = append(b.shells, fs)
	b.mu.Unlock()
	return fs.stream(), nil
}

func (b *fakeExecBackend) lastShell() *fakeShell {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.shells) == 0 {
		return nil
	}
	return b.shells[len(b.shells)-1]
}

var _ backend.ExecBackend = (*fakeExecBackend)(nil)
