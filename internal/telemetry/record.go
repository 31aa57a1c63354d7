package telemetry

import (
	"strconv"
	"time"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/control"
)

// Snapshot is one consistent view of the running test, taken under a
// single lock so force and position come from the same update.
type Snapshot struct {
	Time    time.Time     `json:"time"`
	Elapsed time.Duration `json:"elapsed"`

	Position    int32   `json:"position_steps"`
	PositionMM  float64 `json:"position_mm"`
	Velocity    int32   `json:"velocity"`
	VelocityMMS float64 `json:"velocity_mms"`
	CommandMMS  float64 `json:"command_mms"`

	Force       float64 `json:"force"`
	Target      float64 `json:"target"`
	Units       string  `json:"units"`
	StartGapMM  float64 `json:"start_gap_mm"`
	SampleVol   float64 `json:"sample_volume_m3"`
	Spread      bool    `json:"spread_beyond_hammer"`
	Phase       string  `json:"phase"`
	Active      bool    `json:"active"`
	Safety      string  `json:"safety"`
	Step        int     `json:"step"`
	ProgramName string  `json:"program"`

	// Registers are the slow-changing actuator registers as last polled by
	// the motion loop.
	Registers actuator.Variables `json:"registers"`

	// Control is set only for PID-controlled programs.
	Control *control.ControlState `json:"control,omitempty"`
}

// Record is one telemetry row.
type Record struct {
	RunID string `json:"run_id"`
	Snapshot
	Vars    actuator.Variables `json:"actuator"`
	Derived Derived            `json:"derived"`
}

// baseColumns are written for every test, in this order.
var baseColumns = []string{
	"Current Time",
	"Elapsed Time",
	"Current Position (mm)",
	"Current Position",
	"Target Position",
	"Current Velocity (mm/s)",
	"Current Velocity",
	"Target Velocity",
	"Max Speed",
	"Max Decel",
	"Max Accel",
	"Step Mode",
	"Voltage In (mV)",
	"Current Force (units)",
	"Target Force (units)",
	"Start Gap (m)",
	"Current Gap (m)",
	"Viscosity (Pa.s)",
	"Yield Stress (Pa)",
	"Sample Volume (m^3)",
	"Viscosity Volume (m^3)",
	"Test Active?",
	"Spread beyond hammer?",
	"Phase",
	"Safety",
}

// pidColumns follow the base columns for PID-controlled tests.
var pidColumns = []string{
	"Error",
	"K_P",
	"Integrated Error",
	"K_I",
	"Error Derivative",
	"K_D",
}

// Header returns the column names. The force columns carry the
// calibration units.
func Header(units string, includePID bool) []string {
	h := append([]string(nil), baseColumns...)
	if units != "" {
		h[13] = "Current Force (" + units + ")"
		h[14] = "Target Force (" + units + ")"
	}
	if includePID {
		h = append(h, pidColumns...)
	}
	return h
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Row formats r in Header order. PID columns are written only when
// includePID is set; missing controller state writes zeros.
func (r Record) Row(includePID bool) []string {
	epoch := float64(r.Time.UnixNano()) / 1e9
	row := []string{
		ff(epoch),
		ff(r.Elapsed.Seconds()),
		ff(r.PositionMM),
		strconv.Itoa(int(r.Position)),
		strconv.Itoa(int(r.Vars.TargetPosition)),
		ff(r.VelocityMMS),
		strconv.Itoa(int(r.Velocity)),
		strconv.Itoa(int(r.Vars.TargetVelocity)),
		strconv.FormatUint(uint64(r.Vars.MaxSpeed), 10),
		strconv.FormatUint(uint64(r.Vars.MaxDecel), 10),
		strconv.FormatUint(uint64(r.Vars.MaxAccel), 10),
		strconv.Itoa(int(r.Vars.StepMode)),
		strconv.Itoa(int(r.Vars.VinMV)),
		ff(r.Force),
		ff(r.Target),
		ff(r.StartGapMM / 1000),
		ff(r.Derived.GapM),
		ff(r.Derived.Viscosity),
		ff(r.Derived.YieldStress),
		ff(r.SampleVol),
		ff(r.Derived.ViscVolume),
		pyBool(r.Active),
		pyBool(r.Spread),
		r.Phase,
		r.Safety,
	}
	if includePID {
		var c control.ControlState
		if r.Control != nil {
			c = *r.Control
		}
		row = append(row, ff(c.Error), ff(c.KP), ff(c.Integral), ff(c.KI), ff(c.Derivative), ff(c.KD))
	}
	return row
}
