package loadcell

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/rheometer/internal/monitoring"
)

const (
	// DefaultJumpThreshold is the largest distance, in calibrated units, at
	// which a history slot still votes for a candidate.
	DefaultJumpThreshold = 10.0
	// DefaultQuorum is the number of votes a candidate needs.
	DefaultQuorum = 5
	// DefaultResyncAfter is how many consecutive rejections the stream
	// tolerates before it considers a real step change in load.
	DefaultResyncAfter = 2 * HistorySize
	// voters is the number of history slots that take part in a vote.
	voters = HistorySize - 1
)

// StreamOptions tunes the outlier filter.
type StreamOptions struct {
	Threshold float64
	Quorum    int
	// RecordRejected pushes every calibrated sample into the history, not
	// only accepted ones. A rejected burst then becomes the new baseline
	// after enough repeats.
	RecordRejected bool
	// ResyncAfter is the run of consecutive rejections after which the
	// stream adopts the rejected level as its new baseline, provided the
	// rejected samples agree with each other by the same quorum vote.
	// Zero means DefaultResyncAfter; negative disables resync.
	ResyncAfter int
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultJumpThreshold
	}
	if o.Quorum <= 0 {
		o.Quorum = DefaultQuorum
	}
	if o.ResyncAfter == 0 {
		o.ResyncAfter = DefaultResyncAfter
	}
	return o
}

// Counters reports how many samples the stream has handled.
type Counters struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Faults   uint64 `json:"faults"`
	Resyncs  uint64 `json:"resyncs"`
}

// SensorStream calibrates raw samples and filters outliers by a quorum vote
// against recent history. It owns its history; Next must not be called
// concurrently.
type SensorStream struct {
	link LoadCellLink
	cal  Calibration
	opts StreamOptions

	history *ReadingHistory
	// pending holds the current run of rejected samples.
	pending *ReadingHistory
	streak  int

	accepted atomic.Uint64
	rejected atomic.Uint64
	faults   atomic.Uint64
	resyncs  atomic.Uint64

	lastMu sync.Mutex
	last   FilteredReading
}

// NewSensorStream returns a stream over link. It fails with
// ErrCalibrationMissing if cal cannot be applied.
func NewSensorStream(link LoadCellLink, cal Calibration, opts StreamOptions) (*SensorStream, error) {
	if !cal.Valid() {
		return nil, ErrCalibrationMissing
	}
	return &SensorStream{
		link:    link,
		cal:     cal,
		opts:    opts.withDefaults(),
		history: NewReadingHistory(HistorySize),
		pending: NewReadingHistory(HistorySize),
	}, nil
}

// Calibration returns the constants the stream applies.
func (s *SensorStream) Calibration() Calibration { return s.cal }

// Next reads one sample and returns it if it passes the vote. Rejected
// samples return ErrOutlierRejected and malformed ones a *SensorFault; both
// are soft.
func (s *SensorStream) Next(ctx context.Context) (FilteredReading, error) {
	raw, err := s.link.NextRawSample(ctx)
	if err != nil {
		var fault *SensorFault
		if errors.As(err, &fault) {
			s.faults.Add(1)
		}
		return FilteredReading{}, err
	}

	force := s.cal.Apply(raw.Value)
	ok := s.Vote(force)
	if !ok && s.resync(force) {
		ok = true
	}
	if s.opts.RecordRejected || ok {
		s.history.Push(force)
	}
	if !ok {
		s.rejected.Add(1)
		return FilteredReading{}, ErrOutlierRejected
	}

	if s.streak > 0 {
		s.streak = 0
		s.pending.Reset()
	}
	s.accepted.Add(1)
	r := FilteredReading{Force: force, Raw: raw.Value, At: raw.At}
	s.lastMu.Lock()
	s.last = r
	s.lastMu.Unlock()
	return r, nil
}

// NextAccepted calls Next until a reading is accepted. Only hard errors,
// including ctx cancellation, are returned.
func (s *SensorStream) NextAccepted(ctx context.Context) (FilteredReading, error) {
	for {
		r, err := s.Next(ctx)
		if err == nil {
			return r, nil
		}
		if !IsSoft(err) {
			return FilteredReading{}, err
		}
		if ctx.Err() != nil {
			return FilteredReading{}, ctx.Err()
		}
	}
}

// Vote reports whether force has the quorum among the most recent history
// slots. The candidate itself never votes.
func (s *SensorStream) Vote(force float64) bool {
	return s.history.CountWithin(force, s.opts.Threshold, voters) >= s.opts.Quorum
}

// resync records a rejected sample and reports whether the run of
// rejections is long and self-consistent enough to be a real change in
// load. If so the history is refilled with force.
func (s *SensorStream) resync(force float64) bool {
	if s.opts.ResyncAfter < 0 {
		return false
	}
	s.streak++
	agreed := s.pending.CountWithin(force, s.opts.Threshold, voters) >= s.opts.Quorum
	s.pending.Push(force)
	if s.streak < s.opts.ResyncAfter || !agreed {
		return false
	}
	monitoring.Logf("[loadcell] %d consecutive rejections around %.2f %s, taking it as the new baseline", s.streak, force, s.cal.Units)
	s.Preload(force)
	s.resyncs.Add(1)
	return true
}

// Preload fills the history with v, e.g. the tare reading, so a cold
// stream does not reject a non-zero baseline.
func (s *SensorStream) Preload(v float64) {
	for i := 0; i < s.history.Cap(); i++ {
		s.history.Push(v)
	}
}

// Flush drops samples the link buffered while nobody was reading.
func (s *SensorStream) Flush() error { return s.link.Flush() }

// Last returns the most recently accepted reading.
func (s *SensorStream) Last() FilteredReading {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// Counters returns the accepted, rejected and fault counts.
func (s *SensorStream) Counters() Counters {
	return Counters{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Faults:   s.faults.Load(),
		Resyncs:  s.resyncs.Load(),
	}
}
