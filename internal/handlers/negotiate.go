package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/polydash/termgate/internal/backend"
	"github.com/polydash/termgate/internal/crypto"
	"github.com/polydash/termgate/internal/logutil"
	"github.com/polydash/termgate/internal/middleware"
	"github.com/polydash/termgate/internal/negotiate"
	"github.com/polydash/termgate/internal/termserver"
)

// Sessions is set from main.go during init. All terminal handlers operate
// on the sessions it manages.
var Sessions *termserver.Manager

// NegotiateSession starts a shell for the requested target and returns the
// session descriptor the client needs to attach:
//
//	GET /api/v1/terminal/session/{namespace}/{pod}/{container}
//	-> {"id": "<uuid>", "token": "<attach token>", "ws_url": "/api/v1/terminal/attach/<uuid>"}
//
// The attach token is short-lived; a client that waits too long has to
// negotiate again.
func NegotiateSession(w http.ResponseWriter, r *http.Request) {
	target := backend.Target{
		Namespace: chi.URLParam(r, "namespace"),
		Pod:       chi.URLParam(r, "pod"),
		Container: chi.URLParam(r, "container"),
	}
	// Same rules the client applies before it ever sends the request. The
	// rejected value is untrusted; keep it on one log line and bounded.
	if err := negotiate.Identity(target).Validate(); err != nil {
		log.Printf("[handlers] rejected target %q: %v",
			logutil.Truncate(logutil.SanitizeForLog(target.String()), 128), err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}

	meta := termserver.Meta{ClientAddr: clientAddr(r)}
	if token := middleware.GetToken(r); token != nil {
		meta.TokenName = token.Name
	}

	s, err := Sessions.Create(r.Context(), target, meta)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrTargetNotFound):
			writeError(w, http.StatusNotFound, "Target not found")
		case errors.Is(err, backend.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "No exec backend for target")
		default:
			log.Printf("[handlers] negotiate %s failed: %v", target, err)
			writeError(w, http.StatusInternalServerError, "Failed to start shell")
		}
		return
	}

	token, err := crypto.MintAttachToken(s.ID)
	if err != nil {
		log.Printf("[handlers] mint attach token for session %s: %v", s.ID, err)
		s.Close("negotiation failed")
		Sessions.Remove(s.ID)
		writeError(w, http.StatusInternalServerError, "Failed to issue attach token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     s.ID,
		"token":  token,
		"ws_url": "/api/v1/terminal/attach/" + s.ID,
	})
}
