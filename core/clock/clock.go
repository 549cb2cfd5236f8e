package clock

import (
	"sync"
	"time"
)

// Clock produces epoch-millisecond timestamps for envelopes and chat
// messages. NowUnique never returns the same value twice, so two messages
// created in the same millisecond still sort in creation order.
type Clock struct {
	mu         sync.Mutex
	lastUnique int64
	nowFn      func() int64 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{nowFn: systemMillis}
}

// NewFunc creates a Clock that reads epoch milliseconds from now.
func NewFunc(now func() int64) *Clock {
	return &Clock{nowFn: now}
}

func systemMillis() int64 {
	return time.Now().UnixMilli()
}

// Now returns the current time in epoch milliseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// Set re-bases the clock on t (epoch ms), e.g. from a gateway timestamp
// when the host has no RTC. It keeps advancing with wall time from there.
func (c *Clock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() int64 {
		return t + time.Since(base).Milliseconds()
	}
}

// NowUnique returns a strictly increasing timestamp. When the wall clock
// has not advanced past the last value (or went backwards) the last value
// is bumped by one.
func (c *Clock) NowUnique() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}

// Time converts an epoch-millisecond timestamp to a time.Time.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}
