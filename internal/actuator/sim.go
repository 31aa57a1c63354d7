package actuator

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rheometer/internal/timeutil"
)

// DefaultCommandTimeout matches the Tic's factory command timeout.
const DefaultCommandTimeout = time.Second

var errSimClosed = errors.New("simulated stage closed")

// Sim is an in-memory stage with the same motion rules as the Tic: it only
// moves while energized and out of safe start, it stops if the heartbeat
// lapses, and it honours a speed ceiling. Motion is integrated lazily from
// the clock on every call.
type Sim struct {
	mu    sync.Mutex
	clock timeutil.Clock
	units Units

	pos       float64 // microsteps
	vel       float64 // microsteps/s
	targetVel float64 // microsteps/s, velocity mode
	targetPos float64 // microsteps, position mode
	posMode   bool
	maxSpeed  float64 // microsteps/s
	maxAccel  uint32
	energized bool
	safeStart bool
	closed    bool

	timeout  time.Duration
	lastBeat time.Time
	last     time.Time

	// FailAfter, when positive, makes every call fail once that many calls
	// have been made. Used to exercise link failures.
	FailAfter int
	calls     int
}

// NewSim returns a de-energized stage at position zero.
func NewSim(clock timeutil.Clock, units Units) *Sim {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Sim{
		clock:     clock,
		units:     units,
		maxSpeed:  1e9,
		safeStart: true,
		timeout:   DefaultCommandTimeout,
		lastBeat:  now,
		last:      now,
	}
}

// SetCommandTimeout changes how long the stage runs without a heartbeat.
func (s *Sim) SetCommandTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// advance integrates motion up to now. Motion stops at the heartbeat
// deadline.
func (s *Sim) advance() {
	now := s.clock.Now()
	end := now
	if deadline := s.lastBeat.Add(s.timeout); end.After(deadline) {
		end = deadline
	}
	if end.After(s.last) && s.moving() {
		dt := end.Sub(s.last).Seconds()
		if s.posMode {
			step := s.maxSpeed * dt
			d := s.targetPos - s.pos
			if math.Abs(d) <= step {
				s.pos = s.targetPos
				s.vel = 0
			} else {
				s.vel = math.Copysign(s.maxSpeed, d)
				s.pos += s.vel * dt
			}
		} else {
			s.vel = s.targetVel
			s.pos += s.vel * dt
		}
	}
	if now.After(s.lastBeat.Add(s.timeout)) || !s.moving() {
		s.vel = 0
	}
	s.last = now
}

func (s *Sim) moving() bool { return s.energized && !s.safeStart }

// call wraps each command with the closed and failure checks and the lazy
// integration.
func (s *Sim) call(f func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	s.calls++
	if s.FailAfter > 0 && s.calls > s.FailAfter {
		return ErrLink
	}
	s.advance()
	if f != nil {
		f()
	}
	return nil
}

func (s *Sim) Units() Units { return s.units }

func (s *Sim) SetVelocity(mms float64) error {
	return s.call(func() {
		v := float64(s.units.MMSToVel(mms)) / 10000
		s.targetVel = math.Max(-s.maxSpeed, math.Min(s.maxSpeed, v))
		s.posMode = false
	})
}

func (s *Sim) SetTargetPosition(mm float64) error {
	return s.call(func() {
		s.targetPos = float64(s.units.MMToSteps(mm))
		s.posMode = true
	})
}

func (s *Sim) Position() (int32, error) {
	var p int32
	err := s.call(func() { p = int32(math.Round(s.pos)) })
	return p, err
}

func (s *Sim) Velocity() (int32, error) {
	var v int32
	err := s.call(func() { v = int32(math.Round(s.vel * 10000)) })
	return v, err
}

func (s *Sim) Energize() error {
	return s.call(func() { s.energized = true })
}

func (s *Sim) Deenergize() error {
	return s.call(func() {
		s.energized = false
		s.vel = 0
	})
}

func (s *Sim) EnterSafeStart() error {
	return s.call(func() {
		s.safeStart = true
		s.targetVel = 0
		s.vel = 0
	})
}

func (s *Sim) ExitSafeStart() error {
	return s.call(func() { s.safeStart = false })
}

func (s *Sim) Heartbeat() error {
	return s.call(func() { s.lastBeat = s.clock.Now() })
}

func (s *Sim) HaltAndZero() error {
	return s.call(func() {
		s.pos, s.vel, s.targetVel, s.targetPos = 0, 0, 0, 0
		s.posMode = false
	})
}

func (s *Sim) Configure(maxSpeedMMS, maxAccelMMSS float64) error {
	return s.call(func() {
		s.maxSpeed = math.Abs(float64(s.units.MMSToVel(maxSpeedMMS))) / 10000
		s.maxAccel = s.units.MMSSToAccel(maxAccelMMSS)
	})
}

func (s *Sim) Variables() (Variables, error) {
	var v Variables
	err := s.call(func() {
		v = Variables{
			CurrentPosition: int32(math.Round(s.pos)),
			TargetPosition:  int32(math.Round(s.targetPos)),
			CurrentVelocity: int32(math.Round(s.vel * 10000)),
			TargetVelocity:  int32(math.Round(s.targetVel * 10000)),
			MaxSpeed:        uint32(s.maxSpeed * 10000),
			MaxAccel:        s.maxAccel,
			MaxDecel:        s.maxAccel,
			StepMode:        uint8(s.units.StepMode),
			VinMV:           12000,
		}
	})
	return v, err
}

// PositionMM is the current position without counting as a device call.
func (s *Sim) PositionMM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.units.StepsToMM(int32(math.Round(s.pos)))
}

// State reports the energized and safe-start flags.
func (s *Sim) State() (energized, safeStart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energized, s.safeStart
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
