package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	now := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)
	c := NewCounter(time.Minute)
	c.now = func() time.Time { return now }

	if _, _, ok := c.Inc(); !ok {
		t.Fatalf("first occurrence must log")
	}
	for i := 0; i < 3; i++ {
		now = now.Add(10 * time.Second)
		if _, _, ok := c.Inc(); ok {
			t.Fatalf("occurrence %d inside the window must be suppressed", i)
		}
	}
	now = now.Add(time.Minute)
	total, suppressed, ok := c.Inc()
	if !ok {
		t.Fatalf("occurrence after the window must log")
	}
	if total != 5 || suppressed != 3 {
		t.Fatalf("expected total=5 suppressed=3, got %d %d", total, suppressed)
	}
}

func TestCounterResetAllowsImmediateLog(t *testing.T) {
	now := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)
	c := NewCounter(time.Hour)
	c.now = func() time.Time { return now }

	c.Inc()
	if _, _, ok := c.Inc(); ok {
		t.Fatalf("expected suppression before reset")
	}
	c.Reset()
	if _, suppressed, ok := c.Inc(); !ok || suppressed != 0 {
		t.Fatalf("expected immediate log after reset, ok=%v suppressed=%d", ok, suppressed)
	}
	if c.Total() != 3 {
		t.Fatalf("total must survive reset, got %d", c.Total())
	}
}

func TestCounterWithoutIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Inc(); !ok {
			t.Fatalf("disabled throttle must always log")
		}
	}
	var nilCounter *Counter
	if _, _, ok := nilCounter.Inc(); ok {
		t.Fatalf("nil counter must not log")
	}
}
