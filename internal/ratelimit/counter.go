// Package ratelimit throttles repeated log lines such as a failing upstream
// or a missing API key that would otherwise be reported on every cycle.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks how often a condition occurred and when it was last logged.
// It is safe for concurrent use.
type Counter struct {
	interval   time.Duration
	lastLog    atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
	now        func() time.Time
}

// NewCounter constructs a Counter that allows a log at most once per interval.
// A zero or negative interval disables throttling (always logs).
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc records one occurrence. When logging is allowed it also returns how many
// occurrences were swallowed since the previous emitted line.
func (c *Counter) Inc() (total, suppressed uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	if c.interval <= 0 {
		return total, 0, true
	}
	now := c.clock().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, 0, false
	}
	if !c.lastLog.CompareAndSwap(last, now) {
		c.suppressed.Add(1)
		return total, 0, false
	}
	return total, c.suppressed.Swap(0), true
}

// Reset clears the throttle window after the condition recovered, so the next
// occurrence is logged immediately. The running total is kept.
func (c *Counter) Reset() {
	if c == nil {
		return
	}
	c.lastLog.Store(0)
	c.suppressed.Store(0)
}

// Total returns the number of occurrences recorded so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

func (c *Counter) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
