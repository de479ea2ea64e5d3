// Package flow tracks outbound bytes that have been handed to the transport
// but not yet flushed, and asserts backpressure on the input direction when
// the peer stops draining. Output keeps flowing regardless; a remote shell
// that stops reading stdin is the failure mode that must bound memory.
package flow

import (
	"fmt"
	"sync"
)

// Default watermarks, used when a caller leaves Config fields zero.
const (
	DefaultLimit         = 4 << 20
	DefaultHighWaterMark = 512 << 10
	DefaultLowWaterMark  = 64 << 10
)

// Config bounds the unacknowledged outbound byte count. Crossing
// HighWaterMark asserts backpressure; it releases only once the count falls
// to LowWaterMark or below. The gap between the two prevents pause/resume
// oscillation around a single threshold. Limit caps the input bytes a
// session may buffer while paused before it must fail instead of growing.
type Config struct {
	Limit         int64
	HighWaterMark int64
	LowWaterMark  int64
}

// withDefaults fills zero fields from the package defaults.
func (c Config) withDefaults() Config {
	if c.Limit == 0 && c.HighWaterMark == 0 && c.LowWaterMark == 0 {
		return Config{Limit: DefaultLimit, HighWaterMark: DefaultHighWaterMark, LowWaterMark: DefaultLowWaterMark}
	}
	return c
}

// validate enforces 0 < low < high <= limit.
func (c Config) validate() error {
	if c.LowWaterMark <= 0 {
		return fmt.Errorf("low watermark must be positive, got %d", c.LowWaterMark)
	}
	if c.LowWaterMark >= c.HighWaterMark {
		return fmt.Errorf("low watermark %d must be below high watermark %d", c.LowWaterMark, c.HighWaterMark)
	}
	if c.HighWaterMark > c.Limit {
		return fmt.Errorf("high watermark %d must not exceed limit %d", c.HighWaterMark, c.Limit)
	}
	return nil
}

// BackpressureOverflowError reports that buffered input exceeded the
// configured limit. It is fatal: the remote side is not draining and the
// session must be torn down rather than grow without bound.
type BackpressureOverflowError struct {
	Buffered int64
	Limit    int64
}

func (e *BackpressureOverflowError) Error() string {
	return fmt.Sprintf("flow: buffered input %d bytes exceeds limit %d", e.Buffered, e.Limit)
}

// Controller tracks queued-but-unflushed outbound bytes and the
// backpressure flag derived from them. All methods are safe for concurrent
// use; the state-change callback runs outside the lock.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	queued int64

	backpressured bool
	onChange      func(asserted bool)
}

// NewController validates cfg (after applying defaults for an all-zero
// config) and returns a controller. onChange, if non-nil, is invoked once
// per backpressure transition.
func NewController(cfg Config, onChange func(asserted bool)) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid flow control config: %w", err)
	}
	return &Controller{cfg: cfg, onChange: onChange}, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// OnBytesQueued records n bytes handed to the transport.
func (c *Controller) OnBytesQueued(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.queued += int64(n)
	notify, asserted := c.transitionLocked()
	c.mu.Unlock()
	if notify {
		c.notify(asserted)
	}
}

// OnBytesAcked records n bytes flushed by the transport. Acks beyond the
// queued total clamp to zero so the counter never goes negative.
func (c *Controller) OnBytesAcked(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.queued -= int64(n)
	if c.queued < 0 {
		c.queued = 0
	}
	notify, asserted := c.transitionLocked()
	c.mu.Unlock()
	if notify {
		c.notify(asserted)
	}
}

// IsBackpressured reports whether the input direction should hold off.
func (c *Controller) IsBackpressured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backpressured
}

// QueuedBytes returns the current unacknowledged byte count.
func (c *Controller) QueuedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Reset clears the queued counter and releases backpressure. Called when a
// transport is torn down: its queue died with it, so those bytes will never
// be acked.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.queued = 0
	notify, asserted := c.transitionLocked()
	c.mu.Unlock()
	if notify {
		c.notify(asserted)
	}
}

// transitionLocked applies the hysteresis rule and reports whether the flag
// flipped. Caller holds c.mu.
func (c *Controller) transitionLocked() (notify bool, asserted bool) {
	switch {
	case !c.backpressured && c.queued > c.cfg.HighWaterMark:
		c.backpressured = true
		return true, true
	case c.backpressured && c.queued <= c.cfg.LowWaterMark:
		c.backpressured = false
		return true, false
	}
	return false, false
}

func (c *Controller) notify(asserted bool) {
	if c.onChange != nil {
		c.onChange(asserted)
	}
}
