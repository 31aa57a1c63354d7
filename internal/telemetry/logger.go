package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

// Source supplies consistent snapshots of the running test.
type Source interface {
	Snapshot() Snapshot
}

// Options configures a Logger.
type Options struct {
	RunID      string
	Interval   time.Duration // default 20ms
	IncludePID bool
	// KeepOnActivate is how many rolling points survive the switch to the
	// active phase; the rest is approach data. Default 20.
	KeepOnActivate int
	Clock          timeutil.Clock
}

// Logger writes a record to every sink at a fixed cadence. It reads state
// only through Source and never touches the stage link, so it cannot hold
// up the motion loop.
type Logger struct {
	src     Source
	sinks   []Sink
	rolling *Rolling
	opts    Options

	lastElapsed time.Duration
	wasActive   bool
	throttle    *monitoring.Throttle

	records  atomic.Uint64
	failures atomic.Uint64

	mu     sync.Mutex
	latest Record

	closeOnce sync.Once
	closeErr  error
}

// NewLogger returns a logger over src.
func NewLogger(src Source, rolling *Rolling, opts Options, sinks ...Sink) *Logger {
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	if opts.KeepOnActivate <= 0 {
		opts.KeepOnActivate = 20
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if rolling == nil {
		rolling = NewRolling(3000, time.Minute)
	}
	return &Logger{
		src:         src,
		sinks:       sinks,
		rolling:     rolling,
		opts:        opts,
		lastElapsed: -1,
		throttle:    monitoring.NewThrottle(5 * time.Second),
	}
}

// Rolling returns the live buffers.
func (l *Logger) Rolling() *Rolling { return l.rolling }

// Run ticks until ctx is done.
func (l *Logger) Run(ctx context.Context) error {
	t := l.opts.Clock.NewTicker(l.opts.Interval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			l.Tick()
		}
	}
}

// Tick records one snapshot. It reports false if the snapshot was not newer
// than the last one written.
func (l *Logger) Tick() (Record, bool) {
	snap := l.src.Snapshot()
	if snap.Elapsed <= l.lastElapsed {
		return Record{}, false
	}
	l.lastElapsed = snap.Elapsed

	forceN := loadcell.ToNewtons(snap.Force, snap.Units)
	rec := Record{
		RunID:    l.opts.RunID,
		Snapshot: snap,
		Vars:     snap.Registers,
		Derived:  Derive(forceN, snap.PositionMM, snap.StartGapMM, snap.VelocityMMS, snap.SampleVol),
	}
	// The registers are polled slowly; the live position and velocity come
	// from the snapshot.
	rec.Vars.CurrentPosition = snap.Position
	rec.Vars.CurrentVelocity = snap.Velocity

	for _, s := range l.sinks {
		if err := s.Write(rec); err != nil {
			l.failures.Add(1)
			l.throttle.Logf("[telemetry] sink write failed: %v", err)
		}
	}
	l.records.Add(1)

	if snap.Active && !l.wasActive {
		l.rolling.KeepLast(l.opts.KeepOnActivate)
	}
	l.wasActive = snap.Active
	l.rolling.Add(Point{
		Elapsed:     snap.Elapsed.Seconds(),
		Force:       snap.Force,
		GapM:        rec.Derived.GapM,
		YieldStress: rec.Derived.YieldStress,
	})

	l.mu.Lock()
	l.latest = rec
	l.mu.Unlock()
	return rec, true
}

// Latest is the most recently written record.
func (l *Logger) Latest() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Stats reports how many records were written and how many sink writes
// failed.
func (l *Logger) Stats() (records, failures uint64) {
	return l.records.Load(), l.failures.Load()
}

// Close closes every sink once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		for _, s := range l.sinks {
			l.closeErr = multierr.Append(l.closeErr, s.Close())
		}
		n, f := l.Stats()
		monitoring.Logf("[telemetry] closed after %d records, %d failed writes", n, f)
	})
	return l.closeErr
}
