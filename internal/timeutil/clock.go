// Package timeutil provides the clock abstraction used by the control and
// logging loops so that cadence-dependent behaviour can be tested without
// sleeping.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the rheometer loops depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker delivering ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker holds a channel that delivers ticks at a fixed interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTicker returns a Ticker backed by time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }
func (t *realTicker) Stop()               { t.ticker.Stop() }

// ManualClock is a clock that only moves when Advance is called. Pending
// After channels and tickers fire as their deadlines are crossed.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	tickers []*ManualTicker
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualClock returns a ManualClock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration between t and the clock's current time.
func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After returns a channel that receives once the clock has advanced by d.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- c.now
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

// NewTicker registers a ticker that fires on Advance.
func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ManualTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Pending reports how many After channels are still waiting.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the clock forward and fires anything whose deadline passed.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	remaining := c.waiters[:0]
	var due []*waiter
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			due = append(due, w)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	tickers := append([]*ManualTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
	for _, t := range tickers {
		t.fire(now)
	}
}

// ManualTicker is the Ticker handed out by ManualClock.
type ManualTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *ManualTicker) C() <-chan time.Time { return t.ch }

func (t *ManualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *ManualTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	// Like time.Ticker, a slow reader drops ticks rather than queueing them.
	select {
	case t.ch <- now:
	default:
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
}
