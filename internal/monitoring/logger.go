package monitoring

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle forwards to Logf at most once per interval and counts what it
// swallowed. The control loop prints a status line every cycle; at 80 Hz that
// drowns the terminal, so it goes through one of these.
type Throttle struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	suppressed int
}

// NewThrottle returns a Throttle allowing one line per interval. A zero or
// negative interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Logf logs the line if the limiter allows it. The first line after a burst
// of suppressed lines notes how many were dropped.
func (t *Throttle) Logf(format string, v ...interface{}) {
	t.mu.Lock()
	if !t.limiter.Allow() {
		t.suppressed++
		t.mu.Unlock()
		return
	}
	dropped := t.suppressed
	t.suppressed = 0
	t.mu.Unlock()

	if dropped > 0 {
		Logf(format+" (+%d suppressed)", append(v, dropped)...)
		return
	}
	Logf(format, v...)
}

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *Throttle) Suppressed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
