package telemetry

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Point is one entry in the rolling buffers.
type Point struct {
	Elapsed     float64 `json:"t"` // seconds
	Force       float64 `json:"force"`
	GapM        float64 `json:"gap_m"`
	YieldStress float64 `json:"yield_stress"`
}

// Rolling keeps the most recent points for the live views. It is bounded
// both by count and by age.
type Rolling struct {
	mu     sync.Mutex
	buf    []Point
	start  int
	n      int
	window time.Duration
}

// NewRolling allocates a buffer of capacity points. A positive window also
// drops points older than window relative to the newest one.
func NewRolling(capacity int, window time.Duration) *Rolling {
	if capacity < 1 {
		capacity = 1
	}
	return &Rolling{buf: make([]Point, capacity), window: window}
}

// Add appends p, evicting the oldest point when full or out of window.
func (r *Rolling) Add(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
	r.buf[(r.start+r.n)%len(r.buf)] = p
	r.n++
	if r.window > 0 {
		oldest := p.Elapsed - r.window.Seconds()
		for r.n > 1 && r.buf[r.start].Elapsed < oldest {
			r.start = (r.start + 1) % len(r.buf)
			r.n--
		}
	}
}

// KeepLast drops all but the newest n points.
func (r *Rolling) KeepLast(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	for r.n > n {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
}

// Len is the number of buffered points.
func (r *Rolling) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Points returns a copy, oldest first.
func (r *Rolling) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Summary is the force statistics over a trailing window.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Window float64 `json:"window_s"`
}

// ForceSummary returns the mean and standard deviation of force over the
// trailing window; zero window means every buffered point.
func (r *Rolling) ForceSummary(window time.Duration) Summary {
	pts := r.Points()
	if len(pts) == 0 {
		return Summary{Window: window.Seconds()}
	}
	cut := pts[len(pts)-1].Elapsed - window.Seconds()
	xs := make([]float64, 0, len(pts))
	for _, p := range pts {
		if window <= 0 || p.Elapsed >= cut {
			xs = append(xs, p.Force)
		}
	}
	s := Summary{N: len(xs), Window: window.Seconds()}
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}
