package flow

import (
	"sync"
	"testing"
)

func mustController(t *testing.T, cfg Config, onChange func(bool)) *Controller {
	t.Helper()
	c, err := NewController(cfg, onChange)
	if err != nil {
		t.Fatalf("NewController(%+v) failed: %v", cfg, err)
	}
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Limit: 10000, HighWaterMark: 50, LowWaterMark: 10}, false},
		{"high equals limit", Config{Limit: 50, HighWaterMark: 50, LowWaterMark: 10}, false},
		{"zero low", Config{Limit: 100, HighWaterMark: 50, LowWaterMark: 0}, true},
		{"low equals high", Config{Limit: 100, HighWaterMark: 50, LowWaterMark: 50}, true},
		{"low above high", Config{Limit: 100, HighWaterMark: 50, LowWaterMark: 60}, true},
		{"high above limit", Config{Limit: 40, HighWaterMark: 50, LowWaterMark: 10}, true},
	}
	for _, tt := range tests {
		_, err := NewController(tt.cfg, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: NewController err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestZeroConfigGetsDefaults(t *testing.T) {
	c := mustController(t, Config{}, nil)
	got := c.Config()
	if got.Limit != DefaultLimit || got.HighWaterMark != DefaultHighWaterMark || got.LowWaterMark != DefaultLowWaterMark {
		t.Errorf("defaults = %+v", got)
	}
}

// The watermark scenario: queue 60 asserts, draining to 45 keeps the
// assertion (45 > low of 10), draining to 8 releases it.
func TestWatermarkHysteresis(t *testing.T) {
	var transitions []bool
	c := mustController(t, Config{Limit: 10000, HighWaterMark: 50, LowWaterMark: 10},
		func(asserted bool) { transitions = append(transitions, asserted) })

	c.OnBytesQueued(60)
	if !c.IsBackpressured() {
		t.Fatal("60 queued (> high 50): backpressure not asserted")
	}

	c.OnBytesAcked(15) // queued 45
	if !c.IsBackpressured() {
		t.Fatal("45 queued (> low 10): backpressure released too early")
	}
	if got := c.QueuedBytes(); got != 45 {
		t.Fatalf("QueuedBytes() = %d, want 45", got)
	}

	c.OnBytesAcked(37) // queued 8
	if c.IsBackpressured() {
		t.Fatal("8 queued (<= low 10): backpressure still asserted")
	}

	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

// Crossing high exactly does not assert; it takes strictly more.
func TestAssertRequiresStrictCrossing(t *testing.T) {
	c := mustController(t, Config{Limit: 10000, HighWaterMark: 50, LowWaterMark: 10}, nil)
	c.OnBytesQueued(50)
	if c.IsBackpressured() {
		t.Error("queued == high: backpressure asserted, want not")
	}
	c.OnBytesQueued(1)
	if !c.IsBackpressured() {
		t.Error("queued == high+1: backpressure not asserted")
	}
	c.OnBytesAcked(41) // queued 10 == low
	if c.IsBackpressured() {
		t.Error("queued == low: backpressure not released")
	}
}

// queuedBytes never goes negative and the flag always matches the shadow
// model, for an interleaving that repeatedly crosses both watermarks.
func TestCounterInvariants(t *testing.T) {
	c := mustController(t, Config{Limit: 1000, HighWaterMark: 100, LowWaterMark: 20}, nil)

	ops := []struct {
		queue int
		ack   int
	}{
		{60, 0}, {80, 0}, {0, 30}, {0, 200}, {150, 0}, {0, 140},
		{5, 0}, {0, 5}, {300, 0}, {0, 250}, {0, 100}, {101, 0}, {0, 101},
	}
	var model int64
	modelBP := false
	for i, op := range ops {
		if op.queue > 0 {
			c.OnBytesQueued(op.queue)
			model += int64(op.queue)
		}
		if op.ack > 0 {
			c.OnBytesAcked(op.ack)
			model -= int64(op.ack)
			if model < 0 {
				model = 0
			}
		}
		if !modelBP && model > 100 {
			modelBP = true
		} else if modelBP && model <= 20 {
			modelBP = false
		}

		if got := c.QueuedBytes(); got < 0 {
			t.Fatalf("op %d: QueuedBytes() = %d, negative", i, got)
		} else if got != model {
			t.Fatalf("op %d: QueuedBytes() = %d, want %d", i, got, model)
		}
		if got := c.IsBackpressured(); got != modelBP {
			t.Fatalf("op %d: IsBackpressured() = %v, want %v", i, got, modelBP)
		}
	}
}

func TestNonPositiveSizesIgnored(t *testing.T) {
	c := mustController(t, Config{Limit: 100, HighWaterMark: 50, LowWaterMark: 10}, nil)
	c.OnBytesQueued(0)
	c.OnBytesQueued(-5)
	c.OnBytesAcked(0)
	c.OnBytesAcked(-5)
	if got := c.QueuedBytes(); got != 0 {
		t.Errorf("QueuedBytes() = %d, want 0", got)
	}
}

func TestResetReleasesBackpressure(t *testing.T) {
	released := make(chan bool, 1)
	c := mustController(t, Config{Limit: 100, HighWaterMark: 50, LowWaterMark: 10},
		func(asserted bool) {
			if !asserted {
				released <- true
			}
		})
	c.OnBytesQueued(60)
	c.Reset()
	if c.QueuedBytes() != 0 || c.IsBackpressured() {
		t.Errorf("after Reset: queued = %d, backpressured = %v", c.QueuedBytes(), c.IsBackpressured())
	}
	select {
	case <-released:
	default:
		t.Error("Reset did not notify the release")
	}
}

func TestConcurrentAccounting(t *testing.T) {
	c := mustController(t, Config{Limit: 1 << 30, HighWaterMark: 1 << 29, LowWaterMark: 1 << 20}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.OnBytesQueued(7)
				c.OnBytesAcked(7)
			}
		}()
	}
	wg.Wait()
	if got := c.QueuedBytes(); got != 0 {
		t.Errorf("QueuedBytes() after balanced ops = %d, want 0", got)
	}
}

func TestOverflowErrorMessage(t *testing.T) {
	err := &BackpressureOverflowError{Buffered: 10001, Limit: 10000}
	want := "flow: buffered input 10001 bytes exceeds limit 10000"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
