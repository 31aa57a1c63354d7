package control

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rheometer/internal/config"
)

// ClampMode restricts the sign of the velocity command.
type ClampMode string

const (
	ClampNone      ClampMode = "none"
	ClampCloseOnly ClampMode = "close_only" // v <= 0
	ClampOpenOnly  ClampMode = "open_only"  // v >= 0
)

// ParseClampMode validates s.
func ParseClampMode(s string) (ClampMode, error) {
	switch m := ClampMode(s); m {
	case ClampNone, ClampCloseOnly, ClampOpenOnly:
		return m, nil
	case "":
		return ClampNone, nil
	default:
		return "", fmt.Errorf("unknown output clamp %q", s)
	}
}

// Params are the controller constants. They are fixed for a run.
type Params struct {
	KP            float64 // used when Schedule is zero
	KI            float64
	KD            float64
	Schedule      GainParams
	DecayRate     float64 // r, 1/s
	IntegralClamp float64
	MuteCycles    int
	UseDerivative bool
	ReferenceGap  float64 // metres
	OutputClamp   ClampMode
}

// ParamsFromSettings builds Params from the rig settings.
func ParamsFromSettings(s *config.TestSettings) (Params, error) {
	clamp, err := ParseClampMode(s.GetOutputClamp())
	if err != nil {
		return Params{}, err
	}
	return Params{
		KP:            s.GetKP(),
		KI:            s.GetKI(),
		KD:            s.GetKD(),
		Schedule:      GainParams{A: s.GetA(), B: s.GetB(), C: s.GetC(), D: s.GetD()},
		DecayRate:     s.GetDecayRateR(),
		IntegralClamp: s.GetIntegralClamp(),
		MuteCycles:    s.GetMuteCycles(),
		UseDerivative: s.GetUseDerivative(),
		ReferenceGap:  s.GetRefGap(),
		OutputClamp:   clamp,
	}, nil
}

// ControlState is a copy of the controller's internals for logging.
type ControlState struct {
	Target     float64 `json:"target"`
	Normaliser float64 `json:"normaliser"`
	Error      float64 `json:"error"`
	Integral   float64 `json:"integrated_error"`
	Derivative float64 `json:"error_derivative"`
	PrevError  float64 `json:"previous_error"`
	KP         float64 `json:"k_p"`
	KI         float64 `json:"k_i"`
	KD         float64 `json:"k_d"`
	RefGap     float64 `json:"ref_gap"`
	Muted      int     `json:"muted_cycles_left"`
	Output     float64 `json:"output_mms"`
}

// Controller is owned by the motion loop; Snapshot may be called from any
// goroutine.
type Controller struct {
	p Params

	mu        sync.Mutex
	st        ControlState
	hasTarget bool
}

// New returns a controller with zeroed state.
func New(p Params) *Controller {
	if p.ReferenceGap <= 0 {
		p.ReferenceGap = 1
	}
	if p.OutputClamp == "" {
		p.OutputClamp = ClampNone
	}
	c := &Controller{p: p}
	c.st.RefGap = p.ReferenceGap
	c.st.KI = p.KI
	c.st.KD = p.KD
	return c
}

// Params returns the constants the controller was built with.
func (c *Controller) Params() Params { return c.p }

// SetTarget changes the setpoint and re-arms the derivative mute window.
// norm is the error normaliser for the gain schedule; zero means the target
// itself.
func (c *Controller) SetTarget(target, norm float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTargetLocked(target, norm)
}

func (c *Controller) setTargetLocked(target, norm float64) {
	if norm == 0 {
		norm = target
	}
	c.st.Target = target
	c.st.Normaliser = norm
	c.st.Muted = c.p.MuteCycles
	c.hasTarget = true
}

// Activate clears the integral when the hammer first loads the sample and
// makes sure the reference gap is at least the gap at contact, so the output
// scale never exceeds one at the start of a test.
func (c *Controller) Activate(gapM float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.Integral = 0
	c.st.PrevError = 0
	c.st.Derivative = 0
	c.st.RefGap = math.Max(c.st.RefGap, gapM)
	c.st.Muted = c.p.MuteCycles
}

// Update runs one control cycle and returns the velocity command in mm/s.
// A target different from the current one counts as a target change.
func (c *Controller) Update(force, target, gapM float64, dt time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasTarget || target != c.st.Target {
		c.setTargetLocked(target, 0)
	}

	sec := dt.Seconds()
	err := target - force

	kp := c.p.KP
	if !c.p.Schedule.IsZero() {
		kp = Gain(err, c.st.Normaliser, c.p.Schedule)
	}

	// Leak, accumulate, clamp.
	integral := c.st.Integral
	if sec > 0 {
		integral *= math.Exp(-c.p.DecayRate * sec)
		integral += (c.st.PrevError + err) / 2 * sec
	}
	if lim := c.p.IntegralClamp; lim > 0 {
		integral = math.Max(-lim, math.Min(lim, integral))
	}

	deriv := 0.0
	if sec > 0 {
		deriv = (err - c.st.PrevError) / sec
	}
	if c.st.Muted > 0 {
		deriv = 0
		c.st.Muted--
	}

	u := kp*err + c.p.KI*integral
	if c.p.UseDerivative {
		u += c.p.KD * deriv
	}
	v := -u
	if c.st.RefGap > 0 {
		scale := gapM / c.st.RefGap
		v *= scale * scale
	}
	v = clamp(v, c.p.OutputClamp)

	c.st.Error = err
	c.st.Integral = integral
	c.st.Derivative = deriv
	c.st.PrevError = err
	c.st.KP = kp
	c.st.Output = v
	return v
}

func clamp(v float64, mode ClampMode) float64 {
	switch mode {
	case ClampCloseOnly:
		return math.Min(v, 0)
	case ClampOpenOnly:
		return math.Max(v, 0)
	}
	return v
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}
