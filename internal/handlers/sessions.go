package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/polydash/termgate/internal/termserver"
)

type sessionResponse struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Backend   string `json:"backend"`
	State     string `json:"state"`
	Attached  bool   `json:"attached"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	BytesIn   int64  `json:"bytes_in"`
	BytesOut  int64  `json:"bytes_out"`
	CreatedAt string `json:"created_at"`
	ClosedAt  string `json:"closed_at,omitempty"`
}

const sessionTimeFormat = "2006-01-02T15:04:05Z"

func toSessionResponse(s *termserver.Session) sessionResponse {
	cols, rows := s.Size()
	in, out := s.ByteCounts()
	resp := sessionResponse{
		ID:        s.ID,
		Namespace: s.Target.Namespace,
		Pod:       s.Target.Pod,
		Container: s.Target.Container,
		Backend:   s.Backend,
		State:     string(s.State()),
		Attached:  s.IsAttached(),
		Cols:      cols,
		Rows:      rows,
		BytesIn:   in,
		BytesOut:  out,
		CreatedAt: s.CreatedAt.UTC().Format(sessionTimeFormat),
	}
	if closedAt := s.ClosedAt(); closedAt != nil {
		resp.ClosedAt = closedAt.UTC().Format(sessionTimeFormat)
	}
	return resp
}

// ListTerminalSessions returns every managed session, oldest first.
func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessions": []interface{}{},
		})
		return
	}

	sessions := Sessions.List()
	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = toSessionResponse(s)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": resp,
	})
}

// GetTerminalSession returns one managed session by ID.
func GetTerminalSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}

	s := Sessions.Get(chi.URLParam(r, "id"))
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// CloseTerminalSession terminates a managed session.
func CloseTerminalSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if err := Sessions.CloseSession(sessionID, "closed via API"); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
