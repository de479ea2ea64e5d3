// reconnect.go implements automatic reconnection after transport loss.
//
// The supervisor reuses the negotiated descriptor for the first attempt and
// renegotiates once an attach fails, on the assumption that the server-side
// session lapsed. Attempts back off exponentially up to a cap. Three
// consecutive negotiation failures, or exhausting the attempt limit, move
// the session to Failed. A disposed session is never retried.

package termclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Reconnection tuning. Variables so tests can shorten them.
var (
	connectMaxAttempts      = 3
	reconnectMaxAttempts    = 10
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
	maxNegotiationFailures  = 3
)

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > reconnectMaxBackoff {
		next = reconnectMaxBackoff
	}
	return next
}

// sleepCtx waits for d and reports false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// superviseReconnect drives reconnect attempts until the session is Open
// again, Failed, or disposed. Only one supervisor runs per session.
func (s *Session) superviseReconnect() {
	s.mu.Lock()
	if s.reconnecting || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	ctx := s.ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	backoff := reconnectInitialBackoff
	negFailures := 0
	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		needsDescriptor := !s.descriptorValid
		s.mu.Unlock()

		if needsDescriptor {
			desc, err := s.negotiator.Negotiate(ctx, s.identity, s.sessionURL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				negFailures++
				lastErr = err
				log.Printf("[termclient] %s: renegotiation failed (%d/%d): %v",
					s.identity, negFailures, maxNegotiationFailures, err)
				if negFailures >= maxNegotiationFailures {
					s.failNow(err, "renegotiation failed repeatedly")
					return
				}
				continue
			}
			negFailures = 0
			s.mu.Lock()
			if s.state != StateReconnecting {
				s.mu.Unlock()
				return
			}
			s.descriptor = desc
			s.descriptorValid = true
			s.mu.Unlock()
		}

		var fire []func()
		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		fire = appendFire(fire, s.transitionLocked(StateConnecting, fmt.Sprintf("reconnect attempt %d", attempt)))
		s.mu.Unlock()
		runAll(fire)

		err := s.connectOnce(ctx, "reconnected")
		if err == nil {
			log.Printf("[termclient] %s: reconnected after %d attempt(s)", s.identity, attempt)
			return
		}
		if errors.Is(err, errSessionClosed) || ctx.Err() != nil {
			return
		}
		lastErr = err
		log.Printf("[termclient] %s: reconnect attempt %d/%d failed: %v",
			s.identity, attempt, reconnectMaxAttempts, err)

		s.mu.Lock()
		// A failed attach usually means the server-side session lapsed;
		// renegotiate on the next attempt.
		s.descriptorValid = false
		if s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		fire = appendFire(nil, s.transitionLocked(StateReconnecting, "attach failed"))
		s.mu.Unlock()
		runAll(fire)
	}
	if lastErr == nil {
		lastErr = errors.New("termclient: reconnect attempts exhausted")
	}
	s.failNow(lastErr, "reconnect attempts exhausted")
}
