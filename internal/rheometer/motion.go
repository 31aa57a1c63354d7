package rheometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/control"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/safety"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

var (
	// ErrAborted ends a test on operator request.
	ErrAborted = errors.New("test aborted")
	// ErrNoContact ends a test whose approach reached the hard stop without
	// feeling the sample.
	ErrNoContact = errors.New("hit the hard stop without exceeding the threshold force")
	// ErrMaxDuration ends a test that ran past its time limit.
	ErrMaxDuration = errors.New("maximum test duration reached")
	// ErrSensorLost ends a test whose load-cell link failed.
	ErrSensorLost = errors.New("load cell link lost")
	// ErrSensorStale ends a test when no reading has been accepted for
	// longer than the sensor timeout. The force the safety check sees would
	// otherwise be frozen at the last accepted value.
	ErrSensorStale = errors.New("no accepted load cell reading")
)

// Outcome is why the motion loop stopped. Err is nil for a test that
// completed its program.
type Outcome struct {
	Reason  string
	Err     error
	Verdict safety.Verdict
}

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Reason
	}
	return fmt.Sprintf("%s: %v", o.Reason, o.Err)
}

// MotionConfig holds the motion loop constants.
type MotionConfig struct {
	ApproachVelocityMMS float64
	ForceThreshold      float64
	// HeartbeatInterval bounds the time between heartbeats when no reading
	// arrives.
	HeartbeatInterval time.Duration
	StatusInterval    time.Duration
	// SensorTimeout is the longest the loop runs on an old reading. Default
	// ten heartbeat intervals.
	SensorTimeout time.Duration
	// RegistersInterval is how often the loop polls the actuator registers
	// for the data log. Default 1s.
	RegistersInterval time.Duration

	// MaxAccelMMSS is reapplied whenever a program changes the speed
	// ceiling.
	MaxAccelMMSS float64
	Clock        timeutil.Clock
}

// MotionLoop is the only writer of stage commands while a test runs.
type MotionLoop struct {
	cfg      MotionConfig
	act      actuator.Actuator
	prog     Program
	state    *State
	readings <-chan loadcell.FilteredReading
	status   *monitoring.Throttle

	force       float64
	lastFresh   time.Time
	lastReading time.Time
	lastRegs    time.Time
	command     float64
	speedCap    float64
}

// NewMotionLoop wires a loop over the stage and a stream of accepted
// readings.
func NewMotionLoop(cfg MotionConfig, act actuator.Actuator, prog Program, state *State, readings <-chan loadcell.FilteredReading) *MotionLoop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 100 * time.Millisecond
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.SensorTimeout <= 0 {
		cfg.SensorTimeout = 10 * cfg.HeartbeatInterval
	}
	if cfg.RegistersInterval <= 0 {
		cfg.RegistersInterval = time.Second
	}
	return &MotionLoop{
		cfg:      cfg,
		act:      act,
		prog:     prog,
		state:    state,
		readings: readings,
		status:   monitoring.NewThrottle(cfg.StatusInterval),
	}
}

func linkFailure(op string, err error) Outcome {
	return Outcome{Reason: "actuator " + op + " failed", Err: err}
}

// Run drives the test until a terminal condition and returns it. It does
// not stop or home the stage; the orchestrator does that.
func (l *MotionLoop) Run(ctx context.Context) Outcome {
	l.pollRegisters(l.cfg.Clock.Now())
	t := l.cfg.Clock.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()
	l.lastReading = l.cfg.Clock.Now()

	if !l.prog.Options().Approach {
		pos, err := l.act.Position()
		if err != nil {
			return linkFailure("position read", err)
		}
		if err := l.state.activate(0); err != nil {
			return Outcome{Reason: "could not start program", Err: err}
		}
		monitoring.Logf("[motion] starting %s", l.prog.Name())
		l.prog.Begin(l.cycleAt(l.cfg.Clock.Now(), false, 0, pos))
	} else if err := l.act.SetVelocity(l.cfg.ApproachVelocityMMS); err != nil {
		return linkFailure("approach", err)
	} else {
		l.command = l.cfg.ApproachVelocityMMS
		monitoring.Logf("[motion] approaching at %.2f mm/s until force exceeds %.2f", l.cfg.ApproachVelocityMMS, l.cfg.ForceThreshold)
	}

	for {
		if aborted, why := l.state.Aborted(); aborted {
			return Outcome{Reason: why, Err: ErrAborted}
		}
		fresh := false
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Outcome{Reason: "test timed out", Err: ErrMaxDuration}
			}
			return Outcome{Reason: "test cancelled", Err: ctx.Err()}
		case r, ok := <-l.readings:
			if !ok {
				return Outcome{Reason: "sensor stream closed", Err: ErrSensorLost}
			}
			l.force = r.Force
			fresh = true
		case <-t.C():
		}
		if out, done := l.step(fresh); done {
			return out
		}
	}
}

// step runs one cycle. Every path that leaves the loop running ends with a
// heartbeat.
func (l *MotionLoop) step(fresh bool) (Outcome, bool) {
	now := l.cfg.Clock.Now()
	var dt time.Duration
	if fresh {
		if !l.lastFresh.IsZero() {
			dt = now.Sub(l.lastFresh)
		}
		l.lastFresh = now
		l.lastReading = now
	} else if age := now.Sub(l.lastReading); age > l.cfg.SensorTimeout {
		return Outcome{
			Reason: fmt.Sprintf("load cell silent for %v, last force %.2f", age.Round(time.Millisecond), l.force),
			Err:    ErrSensorStale,
		}, true
	}

	pos, err := l.act.Position()
	if err != nil {
		return linkFailure("position read", err), true
	}
	vel, err := l.act.Velocity()
	if err != nil {
		return linkFailure("velocity read", err), true
	}
	c := l.cycleAt(now, fresh, dt, pos)
	limits := l.state.Limits()

	var out Outcome
	var done bool
	if l.state.Phase() == Approaching {
		out, done = l.approach(c, limits)
	} else {
		out, done = l.active(c, limits)
	}
	l.record(now, pos, vel, out.Verdict)
	if done {
		return out, true
	}
	if err := l.act.Heartbeat(); err != nil {
		return linkFailure("heartbeat", err), true
	}
	if now.Sub(l.lastRegs) >= l.cfg.RegistersInterval {
		l.pollRegisters(now)
	}
	return Outcome{}, false
}

// pollRegisters reads the slow actuator registers into State for the data
// log. Only the motion loop talks to the stage while a test runs. A failed
// read is only logged; the next failing command ends the test.
func (l *MotionLoop) pollRegisters(now time.Time) {
	l.lastRegs = now
	v, err := l.act.Variables()
	if err != nil {
		l.status.Logf("[motion] actuator registers: %v", err)
		return
	}
	l.state.SetRegisters(v)
}

func (l *MotionLoop) approach(c Cycle, limits safety.Limits) (Outcome, bool) {
	v := safety.Check(c.Force, c.PosMM, false, limits)
	switch v {
	case safety.Ok:
	case safety.TravelLimitExceeded:
		return Outcome{Reason: "approach reached the hard stop", Err: ErrNoContact, Verdict: v}, true
	default:
		return Outcome{Reason: "safety limit during approach", Err: v.Err(), Verdict: v}, true
	}
	if math.Abs(c.Force) <= l.cfg.ForceThreshold {
		l.status.Logf("[motion] approaching: force %.2f, gap %.3f mm", c.Force, c.GapMM)
		return Outcome{}, false
	}

	monitoring.Logf("[motion] force %.2f exceeded threshold at gap %.3f mm, starting %s", c.Force, c.GapMM, l.prog.Name())
	if err := l.state.activate(c.Force); err != nil {
		return Outcome{Reason: "could not enter active phase", Err: err}, true
	}
	l.prog.Begin(c)
	return l.active(c, limits)
}

func (l *MotionLoop) active(c Cycle, limits safety.Limits) (Outcome, bool) {
	cmd, finished := l.prog.Step(c)
	v := safety.Check(c.Force, c.PosMM, l.prog.Options().ReturnGuard, limits)
	if v != safety.Ok {
		return Outcome{Reason: "safety limit tripped", Err: v.Err(), Verdict: v}, true
	}
	if finished {
		return Outcome{Reason: l.prog.Name() + " program complete"}, true
	}
	if err := l.issue(cmd); err != nil {
		return linkFailure("command", err), true
	}
	target, step := l.prog.Target()
	l.status.Logf("[motion] step %d target %.2f: force %.2f, gap %.3f mm, v %.4f mm/s", step, target, c.Force, c.GapMM, l.command)
	return Outcome{}, false
}

func (l *MotionLoop) issue(cmd Command) error {
	if cmd.MaxSpeedMMS > 0 && cmd.MaxSpeedMMS != l.speedCap {
		if err := l.act.Configure(cmd.MaxSpeedMMS, l.cfg.MaxAccelMMSS); err != nil {
			return err
		}
		l.speedCap = cmd.MaxSpeedMMS
	}
	switch cmd.Kind {
	case Velocity:
		l.command = cmd.Value
		return l.act.SetVelocity(cmd.Value)
	case Position:
		l.command = 0
		return l.act.SetTargetPosition(cmd.Value)
	}
	return nil
}

func (l *MotionLoop) cycleAt(now time.Time, fresh bool, dt time.Duration, pos int32) Cycle {
	posMM := l.act.Units().StepsToMM(pos)
	return Cycle{
		Now:   now,
		Fresh: fresh,
		Force: l.force,
		Dt:    dt,
		PosMM: posMM,
		GapMM: posMM + l.state.Limits().StartGapMM,
	}
}

func (l *MotionLoop) record(now time.Time, pos, vel int32, v safety.Verdict) {
	smp := Sample{
		At:         now,
		Force:      l.force,
		Position:   pos,
		Velocity:   vel,
		CommandMMS: l.command,
		Verdict:    v,
	}
	if l.state.Phase() == Active {
		smp.Target, smp.Step = l.prog.Target()
	}
	if ctrl := controllerOf(l.prog); ctrl != nil {
		cs := ctrl.Snapshot()
		smp.Control = &cs
	}
	l.state.Update(smp)
}

var _ Controlled = (*ForceProgram)(nil)

// controllerOf returns the PID controller of a program, if it has one.
func controllerOf(p Program) *control.Controller {
	if pc, ok := p.(Controlled); ok {
		return pc.Controller()
	}
	return nil
}
