// Package actuator drives the single-axis stepper stage that moves the
// hammer. Positions are reported in microsteps from the power-on point;
// commands take millimetres and mm/s.
package actuator

import (
	"errors"
	"fmt"
	"math"
)

// ErrLink wraps every failure to talk to the stage. It is fatal to a test.
var ErrLink = errors.New("actuator link error")

// Actuator is the capability the motion loop needs from the stage.
type Actuator interface {
	SetVelocity(mms float64) error
	SetTargetPosition(mm float64) error
	// Position is the current position in microsteps.
	Position() (int32, error)
	// Velocity is the current velocity in microsteps per 10000 s.
	Velocity() (int32, error)
	Energize() error
	Deenergize() error
	EnterSafeStart() error
	ExitSafeStart() error
	// Heartbeat resets the device command timeout. The stage stops on its
	// own if this is not called often enough.
	Heartbeat() error
	// HaltAndZero stops abruptly and declares the current position zero.
	HaltAndZero() error
	// Configure applies speed and acceleration ceilings.
	Configure(maxSpeedMMS, maxAccelMMSS float64) error
	Variables() (Variables, error)
	Units() Units
	Close() error
}

// Variables is the device state logged every telemetry tick, in device
// units.
type Variables struct {
	CurrentPosition int32  `json:"current_position"`
	TargetPosition  int32  `json:"target_position"`
	CurrentVelocity int32  `json:"current_velocity"`
	TargetVelocity  int32  `json:"target_velocity"`
	MaxSpeed        uint32 `json:"max_speed"`
	MaxDecel        uint32 `json:"max_decel"`
	MaxAccel        uint32 `json:"max_accel"`
	StepMode        uint8  `json:"step_mode"`
	VinMV           uint16 `json:"vin_mv"`
}

// microstepsPerStep is indexed by the Tic step mode setting.
var microstepsPerStep = [...]int{1, 2, 4, 8, 16, 32, 2, 64, 128, 256}

// Units converts between device units and millimetres.
type Units struct {
	MMPerFullStep float64
	StepMode      int
}

// Validate rejects step modes the driver does not know.
func (u Units) Validate() error {
	if u.StepMode < 0 || u.StepMode >= len(microstepsPerStep) {
		return fmt.Errorf("unsupported step mode %d", u.StepMode)
	}
	if !(u.MMPerFullStep > 0) {
		return fmt.Errorf("mm per full step must be positive, got %v", u.MMPerFullStep)
	}
	return nil
}

// Microsteps is the number of microsteps per full step.
func (u Units) Microsteps() int {
	if u.StepMode < 0 || u.StepMode >= len(microstepsPerStep) {
		return 1
	}
	return microstepsPerStep[u.StepMode]
}

func (u Units) mmPerMicrostep() float64 {
	return u.MMPerFullStep / float64(u.Microsteps())
}

func (u Units) StepsToMM(steps int32) float64 {
	return float64(steps) * u.mmPerMicrostep()
}

func (u Units) MMToSteps(mm float64) int32 {
	return int32(math.Round(mm / u.mmPerMicrostep()))
}

// VelToMMS converts microsteps per 10000 s to mm/s.
func (u Units) VelToMMS(vel int32) float64 {
	return float64(vel) / 10000 * u.mmPerMicrostep()
}

// MMSToVel converts mm/s to microsteps per 10000 s.
func (u Units) MMSToVel(mms float64) int32 {
	return int32(math.Round(mms / u.mmPerMicrostep() * 10000))
}

// MMSSToAccel converts mm/s^2 to microsteps per second per 100 s.
func (u Units) MMSSToAccel(mmss float64) uint32 {
	return uint32(math.Round(math.Abs(mmss) / u.mmPerMicrostep() * 100))
}
