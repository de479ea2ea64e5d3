package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/polydash/termgate/internal/auth"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
	"github.com/polydash/termgate/internal/logutil"
)

type contextKey string

const tokenContextKey contextKey = "api-token"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth admits requests carrying a valid API token in the
// Authorization header ("Bearer tg_..."). When auth is disabled by
// configuration, requests pass through with no token record attached.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Cfg.AuthDisabled {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		token, err := auth.Verify(raw)
		if err != nil {
			// RemoteAddr may derive from X-Forwarded-For upstream.
			log.Printf("[auth] rejected token from %s", logutil.SanitizeForLog(r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GetToken returns the API token record RequireAuth attached to the
// request, or nil when auth is disabled.
func GetToken(r *http.Request) *database.APIToken {
	token, _ := r.Context().Value(tokenContextKey).(*database.APIToken)
	return token
}

// ContextWithToken attaches a token record the way RequireAuth does, for
// callers that authenticate by other means.
func ContextWithToken(r *http.Request, token *database.APIToken) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tokenContextKey, token))
}
