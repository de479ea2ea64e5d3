// Package negotiate exchanges a pod/container identity for a terminal
// session descriptor over HTTP. The caller supplies a URL template with
// {{namespace}}, {{pod}}, and {{container}} placeholders; negotiation
// substitutes the identity, performs a GET, and parses the session id the
// gateway minted.
package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// Placeholders recognized in session URL templates.
const (
	PlaceholderNamespace = "{{namespace}}"
	PlaceholderPod       = "{{pod}}"
	PlaceholderContainer = "{{container}}"
)

// maxResponseBytes caps how much of a negotiation response is read.
const maxResponseBytes = 1 << 20

// Identity names the target shell. Immutable; supplied by the caller.
type Identity struct {
	Namespace string
	Pod       string
	Container string
}

// Key returns the registry key for this identity.
func (id Identity) Key() string {
	return id.Namespace + "/" + id.Pod + "/" + id.Container
}

func (id Identity) String() string {
	return id.Key()
}

// Validate rejects identities that would break the substituted URL path.
// The gateway re-validates; this check exists so a malformed identity never
// produces a request at all.
func (id Identity) Validate() error {
	for _, part := range []struct {
		name  string
		value string
	}{
		{"namespace", id.Namespace},
		{"pod", id.Pod},
		{"container", id.Container},
	} {
		if err := checkPathSegment(part.value); err != nil {
			return fmt.Errorf("%s %q: %w", part.name, part.value, err)
		}
	}
	return nil
}

func checkPathSegment(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("must not be a path element")
	}
	for _, r := range s {
		switch {
		case r == '/' || r == '\\':
			return fmt.Errorf("must not contain path separators")
		case r == '?' || r == '#' || r == '%':
			return fmt.Errorf("must not contain URL metacharacters")
		case r == '{' || r == '}':
			return fmt.Errorf("must not contain braces")
		case r < 0x20 || r == 0x7f:
			return fmt.Errorf("must not contain control characters")
		case unicode.IsSpace(r):
			return fmt.Errorf("must not contain whitespace")
		}
	}
	return nil
}

// SessionDescriptor is the negotiation result: everything needed to attach.
// Immutable once obtained; discarded on session teardown.
type SessionDescriptor struct {
	SessionID string
	WSURL     string
	TokenURL  string
	Token     string
}

// AttachURL returns the WebSocket URL with the attach token applied.
func (d SessionDescriptor) AttachURL() string {
	if d.Token == "" {
		return d.WSURL
	}
	sep := "?"
	if strings.Contains(d.WSURL, "?") {
		sep = "&"
	}
	return d.WSURL + sep + "token=" + url.QueryEscape(d.Token)
}

// NegotiationError reports a failed session negotiation. Retried by the
// reconnect supervisor; repeated failures are terminal.
type NegotiationError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("negotiate: %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("negotiate: %s: %v", e.URL, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// ExpandTemplate substitutes the identity into a session URL template. Each
// placeholder must appear exactly once, and nothing that looks like a
// placeholder may remain afterwards.
func ExpandTemplate(template string, id Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}
	for placeholder, value := range map[string]string{
		PlaceholderNamespace: id.Namespace,
		PlaceholderPod:       id.Pod,
		PlaceholderContainer: id.Container,
	} {
		if strings.Count(template, placeholder) != 1 {
			return "", fmt.Errorf("template %q must contain %s exactly once", template, placeholder)
		}
		template = strings.Replace(template, placeholder, value, 1)
	}
	if strings.Contains(template, "{{") || strings.Contains(template, "}}") {
		return "", fmt.Errorf("template %q has unresolved placeholders", template)
	}
	return template, nil
}

// Negotiator performs session negotiation. Safe for concurrent use.
type Negotiator struct {
	client *http.Client
	header http.Header
}

// NewNegotiator builds a negotiator. client may be nil for
// http.DefaultClient; header (e.g. an Authorization token) is copied onto
// every request.
func NewNegotiator(client *http.Client, header http.Header) *Negotiator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{client: client, header: header}
}

// negotiateResponse is the gateway's negotiation payload.
type negotiateResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	WSURL string `json:"ws_url"`
}

// Negotiate resolves the identity to a SessionDescriptor. Idempotent: no
// state changes on the client beyond the HTTP round trip, so callers may
// retry on failure. Every failure is a *NegotiationError.
func (n *Negotiator) Negotiate(ctx context.Context, id Identity, sessionIDURL string) (SessionDescriptor, error) {
	target, err := ExpandTemplate(sessionIDURL, id)
	if err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: sessionIDURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range n.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return SessionDescriptor{}, &NegotiationError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: fmt.Errorf("read response: %w", err)}
	}
	var parsed negotiateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: fmt.Errorf("parse response: %w", err)}
	}
	if parsed.ID == "" {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: fmt.Errorf("response lacks a session id")}
	}
	if parsed.WSURL == "" {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: fmt.Errorf("response lacks a websocket url")}
	}

	wsURL, err := resolveWSURL(target, parsed.WSURL)
	if err != nil {
		return SessionDescriptor{}, &NegotiationError{URL: target, Err: err}
	}

	return SessionDescriptor{
		SessionID: parsed.ID,
		WSURL:     wsURL,
		TokenURL:  target,
		Token:     parsed.Token,
	}, nil
}

// resolveWSURL turns the gateway's ws_url (possibly path-relative) into an
// absolute ws:// or wss:// URL based on the negotiation endpoint.
func resolveWSURL(requestURL, wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse ws url %q: %w", wsURL, err)
	}
	if parsed.Scheme == "ws" || parsed.Scheme == "wss" {
		return wsURL, nil
	}

	base, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parse negotiation url %q: %w", requestURL, err)
	}
	resolved := base.ResolveReference(parsed)
	switch resolved.Scheme {
	case "https":
		resolved.Scheme = "wss"
	default:
		resolved.Scheme = "ws"
	}
	return resolved.String(), nil
}
