package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/polydash/termgate/internal/crypto"
	"github.com/polydash/termgate/internal/database"
	"github.com/polydash/termgate/internal/termserver"
	"github.com/polydash/termgate/internal/wire"
)

// Close codes in the 4xxx range carry HTTP-like semantics over the
// websocket, since a client cannot read a response body once upgraded.
const (
	closeProtocolError   websocket.StatusCode = 4002
	closeInvalidToken    websocket.StatusCode = 4401
	closeSessionNotFound websocket.StatusCode = 4404
	closeAlreadyAttached websocket.StatusCode = 4409
	closeInternalError   websocket.StatusCode = 4500
)

// wsReadLimit bounds one websocket message: the frame payload cap plus
// header slack.
const wsReadLimit = wire.MaxPayload + 64

// maxInputFrame caps a single Input frame's payload. Interactive input is
// chunked far below this; anything larger is a misbehaving client.
const maxInputFrame = 64 * 1024

// outputChunkSize splits large scrollback replays into frames the client's
// decoder accepts without buffering megabytes.
const outputChunkSize = 32 * 1024

// inputMsgRate limits websocket messages per second per connection, with an
// equal burst for pastes. Messages over the rate are dropped.
const inputMsgRate = 200

// wsWriteTimeout bounds a single frame write so one stalled client cannot
// wedge the session pump.
const wsWriteTimeout = 10 * time.Second

// clientPreferencesSetting is the settings key whose JSON value is pushed
// to clients in a Preferences frame at attach.
const clientPreferencesSetting = "client_preferences"

// AttachTerminal upgrades to a websocket and bridges it to a managed
// session:
//
//	GET /api/v1/terminal/attach/{id}?token=...
//
// The fernet token from negotiation is the sole credential here; it names
// the session it was minted for. After the upgrade the gateway sends the
// attach preamble (Title, SetUTF8, Preferences), replays scrollback as
// Output frames, and then relays until either side goes away. A dropped
// socket detaches the session but leaves the shell running.
func AttachTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	rawToken := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	tokenSession, err := crypto.VerifyAttachToken(rawToken)
	if err != nil || tokenSession != sessionID {
		conn.Close(closeInvalidToken, "Invalid attach token")
		return
	}
	if Sessions == nil {
		conn.Close(closeInternalError, "Session manager not initialized")
		return
	}
	s := Sessions.Get(sessionID)
	if s == nil || s.State() == termserver.StateClosed {
		conn.Close(closeSessionNotFound, "Session not found")
		return
	}

	relayTerminal(r.Context(), conn, s)
}

// relayTerminal runs one attachment: preamble, replay, then frames both
// ways until the socket or the shell goes away.
func relayTerminal(ctx context.Context, conn *websocket.Conn, s *termserver.Session) {
	conn.SetReadLimit(wsReadLimit)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	fw := &frameWriter{conn: conn, ctx: relayCtx}

	// Attach preamble. The title is the target identity; preferences come
	// from gateway settings when an operator has stored any.
	if err := fw.writeFrame(wire.Frame{Kind: wire.KindTitle, Payload: []byte(s.Target.String())}); err != nil {
		return
	}
	if err := fw.writeFrame(wire.EncodeSetUTF8(true)); err != nil {
		return
	}
	if prefs := clientPreferences(); len(prefs) > 0 {
		if err := fw.writeFrame(wire.Frame{Kind: wire.KindPreferences, Payload: prefs}); err != nil {
			return
		}
	}

	if err := s.Attach(fw); err != nil {
		if errors.Is(err, termserver.ErrAlreadyAttached) {
			conn.Close(closeAlreadyAttached, "Session already attached")
		} else {
			conn.Close(closeSessionNotFound, "Session not found")
		}
		return
	}
	defer func() {
		s.Detach()
		log.Printf("[handlers] session %s detached", s.ID)
	}()
	log.Printf("[handlers] session %s attached", s.ID)

	// End the relay when the shell exits.
	go func() {
		select {
		case <-s.Done():
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	readFrames(relayCtx, conn, s)

	select {
	case <-s.Done():
		conn.Close(websocket.StatusNormalClosure, "session closed")
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readFrames is the client->shell direction: websocket messages are fed
// through the wire decoder and each frame is applied to the session.
func readFrames(ctx context.Context, conn *websocket.Conn, s *termserver.Session) {
	limiter := rate.NewLimiter(rate.Limit(inputMsgRate), inputMsgRate)
	var dec wire.Decoder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}

		dec.Feed(data)
		for {
			frame, err := dec.Next()
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				log.Printf("[handlers] session %s protocol error: %v", s.ID, err)
				conn.Close(closeProtocolError, "protocol error")
				return
			}
			if !applyFrame(s, frame) {
				return
			}
		}
	}
}

// applyFrame routes one client frame to the session. It returns false when
// the session is gone and the relay should stop.
func applyFrame(s *termserver.Session, f wire.Frame) bool {
	switch f.Kind {
	case wire.KindInput:
		if len(f.Payload) > maxInputFrame {
			log.Printf("[handlers] session %s input frame too large: %d bytes", s.ID, len(f.Payload))
			return true
		}
		if err := s.WriteInput(f.Payload); err != nil {
			return false
		}
	case wire.KindTransferControl:
		// File-transfer protocol bytes ride stdin like input; the frame
		// layer already bounds their size.
		if err := s.WriteInput(f.Payload); err != nil {
			return false
		}
	case wire.KindResize:
		cols, rows, err := wire.ParseResize(f.Payload)
		if err != nil {
			log.Printf("[handlers] session %s bad resize payload: %v", s.ID, err)
			return true
		}
		if err := s.Resize(cols, rows); err != nil {
			return false
		}
	case wire.KindPause:
		s.PauseOutput()
	case wire.KindResume:
		s.ResumeOutput()
	default:
		// Server-direction kinds from a client are dropped.
	}
	return true
}

// frameWriter adapts the websocket to the io.Writer a session attaches:
// shell output in, Output frames out. Session delivery serializes writes,
// so no extra locking is needed.
type frameWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > outputChunkSize {
			n = outputChunkSize
		}
		if err := fw.writeFrame(wire.Frame{Kind: wire.KindOutput, Payload: p[:n]}); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (fw *frameWriter) writeFrame(f wire.Frame) error {
	buf, err := wire.Encode(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(fw.ctx, wsWriteTimeout)
	defer cancel()
	return fw.conn.Write(wctx, websocket.MessageBinary, buf)
}

func clientPreferences() []byte {
	if database.DB == nil {
		return nil
	}
	value, err := database.GetSetting(clientPreferencesSetting)
	if err != nil || value == "" {
		return nil
	}
	return []byte(value)
}
