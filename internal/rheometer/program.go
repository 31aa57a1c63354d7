package rheometer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/rheometer/internal/config"
	"github.com/banshee-data/rheometer/internal/control"
	"github.com/banshee-data/rheometer/internal/telemetry"
)

// CommandKind selects how the stage is driven.
type CommandKind int

const (
	// Hold repeats nothing; the stage keeps its last command.
	Hold CommandKind = iota
	Velocity
	Position
)

// Command is what a program asks the stage to do this cycle.
type Command struct {
	Kind  CommandKind
	Value float64 // mm/s for Velocity, mm from the start point for Position
	// MaxSpeedMMS, when positive, changes the stage speed ceiling before the
	// command is sent.
	MaxSpeedMMS float64
}

func velocity(mms float64) Command { return Command{Kind: Velocity, Value: mms} }

// Cycle is what a program sees each motion-loop cycle.
type Cycle struct {
	Now time.Time
	// Fresh is true when Force is a reading that arrived this cycle.
	Fresh bool
	Force float64
	// Dt is the time since the previous fresh reading; zero for the first.
	Dt    time.Duration
	PosMM float64
	GapMM float64
}

// GapM returns the gap in metres.
func (c Cycle) GapM() float64 { return c.GapMM / 1000 }

// ProgramOptions describe how the motion loop treats a program.
type ProgramOptions struct {
	// Approach runs the constant-velocity approach before Begin.
	Approach bool
	// ReturnGuard ends the test if the hammer comes back near home while
	// active.
	ReturnGuard bool
}

// Program is one test recipe. The motion loop calls Begin once on entering
// Active and then Step every cycle until it reports finished.
type Program interface {
	Name() string
	Options() ProgramOptions
	Begin(c Cycle)
	Step(c Cycle) (cmd Command, finished bool)
	Done() bool
	// Target is the current setpoint and step index, for logging.
	Target() (target float64, step int)
}

// Controlled is implemented by programs that run the PID controller.
type Controlled interface {
	Controller() *control.Controller
}

// ErrUnknownMode is returned for a mode name with no program.
var ErrUnknownMode = errors.New("unknown test mode")

// Modes lists the test programs by name.
var Modes = []string{"force", "strain-rate", "set-gap", "retraction"}

// ProgramConfig carries the run parameters that are not in the settings
// file.
type ProgramConfig struct {
	Mode         string
	Targets      []float64 // force targets
	StartGapMM   float64
	SampleVolume float64 // m^3
	// GapMM is the minimum gap for strain-rate and the start gap of a
	// retraction.
	GapMM float64
}

// NewProgram builds the program for cfg.Mode.
func NewProgram(cfg ProgramConfig, s *config.TestSettings) (Program, error) {
	switch cfg.Mode {
	case "force":
		if len(cfg.Targets) == 0 {
			return nil, errors.New("force mode needs at least one target")
		}
		if err := config.ValidateTargets(cfg.Targets); err != nil {
			return nil, err
		}
		p, err := control.ParamsFromSettings(s)
		if err != nil {
			return nil, err
		}
		return NewForceProgram(cfg.Targets, s.GetStepDuration(), control.New(p), s.GetMaxSpeedMMS()), nil
	case "strain-rate":
		if !(cfg.GapMM > 0) {
			return nil, fmt.Errorf("strain-rate needs a positive minimum gap, got %v mm", cfg.GapMM)
		}
		return NewStrainRateProgram(cfg.GapMM, s.GetStrainDuration()), nil
	case "set-gap":
		if !(cfg.SampleVolume > 0) {
			return nil, fmt.Errorf("set-gap needs a positive sample volume, got %v", cfg.SampleVolume)
		}
		return NewSetGapProgram(SetGapTargets(cfg.SampleVolume, s.GetGapSteps()), cfg.StartGapMM, s.GetStepDuration()), nil
	case "retraction":
		if !(cfg.GapMM > 0) || cfg.GapMM >= cfg.StartGapMM {
			return nil, fmt.Errorf("retraction gap %v mm must be in (0, start gap)", cfg.GapMM)
		}
		return NewRetractionProgram(cfg.StartGapMM, cfg.GapMM, s.GetMaxSpeedMMS(), s.GetRetractSpeedMMS(), s.GetRetractPause(), s.GetReturnMarginMM()), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMode, cfg.Mode)
}

// ForceProgram holds each force target for a fixed time with the PID
// controller.
type ForceProgram struct {
	targets  []float64
	hold     time.Duration
	ctrl     *control.Controller
	maxSpeed float64

	idx       int
	stepStart time.Time
	last      float64
	finished  bool
}

// NewForceProgram returns a multistep force program. targets must be
// strictly increasing.
func NewForceProgram(targets []float64, hold time.Duration, ctrl *control.Controller, maxSpeedMMS float64) *ForceProgram {
	return &ForceProgram{targets: targets, hold: hold, ctrl: ctrl, maxSpeed: maxSpeedMMS}
}

func (p *ForceProgram) Name() string { return "force" }

func (p *ForceProgram) Options() ProgramOptions {
	return ProgramOptions{Approach: true, ReturnGuard: true}
}

func (p *ForceProgram) Controller() *control.Controller { return p.ctrl }

func (p *ForceProgram) Begin(c Cycle) {
	p.ctrl.Activate(c.GapM())
	p.idx = 0
	p.stepStart = c.Now
	p.ctrl.SetTarget(p.targets[0], p.targets[0])
}

// stepIncrease is the size of the current step, used to normalise the error
// in the gain schedule.
func (p *ForceProgram) stepIncrease() float64 {
	if p.idx == 0 {
		return p.targets[0]
	}
	return p.targets[p.idx] - p.targets[p.idx-1]
}

func (p *ForceProgram) Step(c Cycle) (Command, bool) {
	if p.finished {
		return velocity(0), true
	}
	if c.Now.Sub(p.stepStart) >= p.hold {
		if p.idx == len(p.targets)-1 {
			p.finished = true
			return velocity(0), true
		}
		p.idx++
		p.stepStart = c.Now
		p.ctrl.SetTarget(p.targets[p.idx], p.stepIncrease())
	}
	if c.Fresh {
		v := p.ctrl.Update(c.Force, p.targets[p.idx], c.GapM(), c.Dt)
		if p.maxSpeed > 0 {
			v = math.Max(-p.maxSpeed, math.Min(p.maxSpeed, v))
		}
		p.last = v
	}
	return velocity(p.last), false
}

func (p *ForceProgram) Done() bool { return p.finished }

func (p *ForceProgram) Target() (float64, int) {
	return p.targets[p.idx], p.idx
}

// StrainRateProgram closes the gap at a constant Hencky strain rate from the
// contact gap down to a minimum gap over a fixed duration.
type StrainRateProgram struct {
	minGap   float64
	duration time.Duration

	start    time.Time
	rate     float64 // 1/s
	finished bool
}

func NewStrainRateProgram(minGapMM float64, duration time.Duration) *StrainRateProgram {
	return &StrainRateProgram{minGap: minGapMM, duration: duration}
}

func (p *StrainRateProgram) Name() string { return "strain-rate" }

func (p *StrainRateProgram) Options() ProgramOptions {
	return ProgramOptions{Approach: true, ReturnGuard: true}
}

func (p *StrainRateProgram) Begin(c Cycle) {
	p.start = c.Now
	p.rate = StrainRate(c.GapMM, p.minGap, p.duration)
}

// StrainRate is the constant Hencky rate that takes the gap from g0 to gmin
// in d.
func StrainRate(g0, gmin float64, d time.Duration) float64 {
	if !(g0 > 0) || !(gmin > 0) || d <= 0 {
		return 0
	}
	return math.Log(g0/gmin) / d.Seconds()
}

func (p *StrainRateProgram) Step(c Cycle) (Command, bool) {
	if p.finished || c.Now.Sub(p.start) >= p.duration || c.GapMM <= p.minGap {
		p.finished = true
		return velocity(0), true
	}
	return velocity(-c.GapMM * p.rate), false
}

func (p *StrainRateProgram) Done() bool { return p.finished }

func (p *StrainRateProgram) Target() (float64, int) { return p.minGap, 0 }

// MaxStrainRate caps the stage speed of each set-gap move to this fraction of
// the target gap per second.
const MaxStrainRate = 0.05

// PositionTolerance is how close a position move has to land, in mm.
const PositionTolerance = 0.01

// SetGapTargets returns n gaps in mm spaced geometrically from the cube root
// of the sample volume down to half the gap at which the sample would just
// fill the plate.
func SetGapTargets(sampleVolume float64, n int) []float64 {
	first := math.Cbrt(sampleVolume) * 1000
	last := 0.5 * sampleVolume / telemetry.HammerArea * 1000
	if n <= 1 {
		return []float64{first}
	}
	out := make([]float64, n)
	ratio := math.Pow(last/first, 1/float64(n-1))
	for i := range out {
		out[i] = first * math.Pow(ratio, float64(i))
	}
	out[n-1] = last
	return out
}

// SetGapProgram is a stress-relaxation test: move to each gap and rest
// there.
type SetGapProgram struct {
	gaps     []float64
	startGap float64
	rest     time.Duration

	idx       int
	moving    bool
	restStart time.Time
	finished  bool
}

func NewSetGapProgram(gapsMM []float64, startGapMM float64, rest time.Duration) *SetGapProgram {
	return &SetGapProgram{gaps: gapsMM, startGap: startGapMM, rest: rest}
}

func (p *SetGapProgram) Name() string { return "set-gap" }

// Options: the hammer starts at home, so there is no approach and no return
// guard.
func (p *SetGapProgram) Options() ProgramOptions { return ProgramOptions{} }

func (p *SetGapProgram) Begin(Cycle) {
	p.idx = 0
	p.moving = false
}

func (p *SetGapProgram) move() Command {
	g := p.gaps[p.idx]
	p.moving = true
	return Command{Kind: Position, Value: g - p.startGap, MaxSpeedMMS: MaxStrainRate * g}
}

func (p *SetGapProgram) Step(c Cycle) (Command, bool) {
	if p.finished {
		return velocity(0), true
	}
	if !p.moving && p.restStart.IsZero() {
		return p.move(), false
	}
	if p.moving {
		if math.Abs(c.GapMM-p.gaps[p.idx]) <= PositionTolerance {
			p.moving = false
			p.restStart = c.Now
		}
		return Command{}, false
	}
	if c.Now.Sub(p.restStart) < p.rest {
		return Command{}, false
	}
	if p.idx == len(p.gaps)-1 {
		p.finished = true
		return velocity(0), true
	}
	p.idx++
	p.restStart = time.Time{}
	return p.move(), false
}

func (p *SetGapProgram) Done() bool { return p.finished }

func (p *SetGapProgram) Target() (float64, int) { return p.gaps[p.idx], p.idx }

type retractStage int

const (
	retractMove retractStage = iota
	retractPause
	retractPull
)

// RetractionProgram moves to a start gap, pauses, then pulls back at a fixed
// speed until the hammer is within the return margin of home.
type RetractionProgram struct {
	startGap  float64
	gap       float64
	moveSpeed float64
	speed     float64
	pause     time.Duration
	margin    float64

	stage      retractStage
	pauseStart time.Time
	finished   bool
}

func NewRetractionProgram(startGapMM, gapMM, moveSpeedMMS, retractSpeedMMS float64, pause time.Duration, marginMM float64) *RetractionProgram {
	return &RetractionProgram{
		startGap:  startGapMM,
		gap:       gapMM,
		moveSpeed: moveSpeedMMS,
		speed:     math.Abs(retractSpeedMMS),
		pause:     pause,
		margin:    marginMM,
	}
}

func (p *RetractionProgram) Name() string { return "retraction" }

func (p *RetractionProgram) Options() ProgramOptions { return ProgramOptions{} }

func (p *RetractionProgram) Begin(Cycle) { p.stage = retractMove }

func (p *RetractionProgram) Step(c Cycle) (Command, bool) {
	if p.finished {
		return velocity(0), true
	}
	switch p.stage {
	case retractMove:
		if math.Abs(c.GapMM-p.gap) <= PositionTolerance {
			p.stage = retractPause
			p.pauseStart = c.Now
			return Command{}, false
		}
		return Command{Kind: Position, Value: p.gap - p.startGap, MaxSpeedMMS: p.moveSpeed}, false
	case retractPause:
		if c.Now.Sub(p.pauseStart) < p.pause {
			return Command{}, false
		}
		p.stage = retractPull
		return Command{Kind: Velocity, Value: p.speed, MaxSpeedMMS: p.speed}, false
	default:
		if math.Abs(c.PosMM) <= p.margin {
			p.finished = true
			return velocity(0), true
		}
		return velocity(p.speed), false
	}
}

func (p *RetractionProgram) Done() bool { return p.finished }

func (p *RetractionProgram) Target() (float64, int) { return p.gap, int(p.stage) }
