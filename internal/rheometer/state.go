// Package rheometer runs a squeeze-flow test: it approaches the sample,
// hands each cycle to a Program under the safety limits, and always brings
// the stage home and de-energized at the end.
package rheometer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/control"
	"github.com/banshee-data/rheometer/internal/safety"
	"github.com/banshee-data/rheometer/internal/telemetry"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

// Phase is the test state machine position.
type Phase int

const (
	Approaching Phase = iota
	Active
	Terminating
	Done
)

func (p Phase) String() string {
	switch p {
	case Approaching:
		return "Approaching"
	case Active:
		return "Active"
	case Terminating:
		return "Terminating"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ErrPhaseRegression is returned when a phase change would move backwards.
var ErrPhaseRegression = errors.New("phase cannot move backwards")

// Sample is one motion-loop observation. Force and position are written
// together so a snapshot never pairs values from different instants.
type Sample struct {
	At         time.Time
	Force      float64
	Position   int32
	Velocity   int32
	CommandMMS float64
	Target     float64
	Step       int
	Verdict    safety.Verdict
	Control    *control.ControlState
}

// State is the live test state. The motion loop and the shutdown sequence
// write it; everything else reads snapshots.
type State struct {
	clock      timeutil.Clock
	units      actuator.Units
	limits     safety.Limits
	forceUnits string
	sampleVol  float64
	program    string
	start      time.Time

	mu              sync.Mutex
	phase           Phase
	last            Sample
	spread          bool
	activationForce float64
	registers       actuator.Variables

	aborted     atomic.Bool
	abortReason atomic.Value // string
	done        chan struct{}
}

// StateConfig fixes the parts of State that do not change during a test.
type StateConfig struct {
	Units        actuator.Units
	Limits       safety.Limits
	ForceUnits   string
	SampleVolume float64 // m^3
	Program      string
	Clock        timeutil.Clock
}

// NewState returns a state in the Approaching phase with elapsed time
// counted from now.
func NewState(cfg StateConfig) *State {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	now := cfg.Clock.Now()
	return &State{
		clock:      cfg.Clock,
		units:      cfg.Units,
		limits:     cfg.Limits,
		forceUnits: cfg.ForceUnits,
		sampleVol:  cfg.SampleVolume,
		program:    cfg.Program,
		start:      now,
		last:       Sample{At: now},
		done:       make(chan struct{}),
	}
}

// Limits returns the limits fixed at test start.
func (s *State) Limits() safety.Limits { return s.limits }

// Units returns the actuator unit conversion.
func (s *State) Units() actuator.Units { return s.units }

// Started is when the test began.
func (s *State) Started() time.Time { return s.start }

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase moves to p. Staying in the same phase is allowed; moving back is
// not.
func (s *State) SetPhase(p Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p < s.phase {
		return fmt.Errorf("%w: %s to %s", ErrPhaseRegression, s.phase, p)
	}
	s.phase = p
	if p == Done {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	return nil
}

// activate enters Active and records the force that triggered it.
func (s *State) activate(force float64) error {
	if err := s.SetPhase(Active); err != nil {
		return err
	}
	s.mu.Lock()
	s.activationForce = force
	s.mu.Unlock()
	return nil
}

// ActivationForce is the reading that ended the approach.
func (s *State) ActivationForce() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activationForce
}

// Done is closed once the phase reaches Done.
func (s *State) Done() <-chan struct{} { return s.done }

// Update records a motion-loop sample. The spread flag latches: once the
// sample has spread beyond the plate it stays set.
func (s *State) Update(smp Sample) {
	if smp.At.IsZero() {
		smp.At = s.clock.Now()
	}
	gapM := telemetry.GapM(s.units.StepsToMM(smp.Position), s.limits.StartGapMM)
	spread := telemetry.SpreadBeyondHammer(s.sampleVol, gapM)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Elapsed time must not run backwards for the logger.
	if smp.At.Before(s.last.At) {
		smp.At = s.last.At
	}
	s.last = smp
	s.spread = s.spread || spread
}

// SetRegisters stores the actuator registers polled by the motion loop.
func (s *State) SetRegisters(v actuator.Variables) {
	s.mu.Lock()
	s.registers = v
	s.mu.Unlock()
}

// Last returns the most recent sample.
func (s *State) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Abort sets the global abort flag. The motion loop checks it at the top of
// every cycle.
func (s *State) Abort(reason string) {
	if s.aborted.CompareAndSwap(false, true) {
		s.abortReason.Store(reason)
	}
}

// Aborted reports whether Abort was called and why.
func (s *State) Aborted() (bool, string) {
	if !s.aborted.Load() {
		return false, ""
	}
	r, _ := s.abortReason.Load().(string)
	return true, r
}

// Snapshot implements telemetry.Source. Everything is read under one lock.
func (s *State) Snapshot() telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	posMM := s.units.StepsToMM(s.last.Position)
	snap := telemetry.Snapshot{
		Time:        s.last.At,
		Elapsed:     s.last.At.Sub(s.start),
		Position:    s.last.Position,
		PositionMM:  posMM,
		Velocity:    s.last.Velocity,
		VelocityMMS: s.units.VelToMMS(s.last.Velocity),
		CommandMMS:  s.last.CommandMMS,
		Force:       s.last.Force,
		Target:      s.last.Target,
		Units:       s.forceUnits,
		StartGapMM:  s.limits.StartGapMM,
		SampleVol:   s.sampleVol,
		Spread:      s.spread,
		Phase:       s.phase.String(),
		Active:      s.phase == Active,
		Safety:      s.last.Verdict.String(),
		Step:        s.last.Step,
		ProgramName: s.program,
		Registers:   s.registers,
	}
	if s.last.Control != nil {
		c := *s.last.Control
		snap.Control = &c
	}
	return snap
}
