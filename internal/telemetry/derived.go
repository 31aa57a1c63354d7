// Package telemetry records the running test: one row per tick to every
// sink, plus short rolling buffers for the live views.
package telemetry

import "math"

// HammerRadius is the radius of the circular top plate in metres.
const HammerRadius = 25e-3

// HammerArea is the plate area in square metres.
var HammerArea = math.Pi * HammerRadius * HammerRadius

// GapM converts a stage position in mm, measured from the start point, to
// the plate gap in metres.
func GapM(posMM, startGapMM float64) float64 {
	return (posMM + startGapMM) / 1000
}

// SpreadBeyondHammer reports whether the sample no longer fits under the
// plate at this gap.
func SpreadBeyondHammer(sampleVolume, gapM float64) bool {
	return sampleVolume > gapM*HammerArea
}

// ViscosityVolume is the part of the sample that sits under the plate.
func ViscosityVolume(sampleVolume, gapM float64) float64 {
	return math.Min(sampleVolume, gapM*HammerArea)
}

// Viscosity is the Newtonian squeeze-flow viscosity estimate in Pa.s for a
// normal force in newtons and a plate speed in mm/s. It is zero when the
// volume or the speed is zero.
func Viscosity(forceN, gapM, viscVolume, velocityMMS float64) float64 {
	if viscVolume <= 0 || velocityMMS == 0 {
		return 0
	}
	eta := 2 * math.Pi * math.Pow(gapM, 5) * forceN / 3 / (viscVolume * viscVolume) / (velocityMMS / 1000)
	return finite(math.Abs(eta))
}

// PerfectSlipYieldStress is the quasi-steady yield stress in Pa assuming
// perfect wall slip (Meeten 2000).
func PerfectSlipYieldStress(forceN, gapM, viscVolume float64) float64 {
	if viscVolume <= 0 {
		return 0
	}
	return finite(forceN * gapM / viscVolume / math.Sqrt(3))
}

// NoSlipYieldStress is the quasi-steady yield stress in Pa assuming no wall
// slip (Scott 1935).
func NoSlipYieldStress(forceN, gapM, viscVolume float64) float64 {
	if viscVolume <= 0 {
		return 0
	}
	return finite(1.5 * math.Sqrt(math.Pi) * forceN * math.Pow(gapM, 2.5) / math.Pow(viscVolume, 1.5))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Derived holds the rheology estimates for one snapshot.
type Derived struct {
	GapM              float64 `json:"gap_m"`
	ViscVolume        float64 `json:"viscosity_volume_m3"`
	Viscosity         float64 `json:"viscosity_pa_s"`
	YieldStress       float64 `json:"yield_stress_pa"`
	NoSlipYieldStress float64 `json:"no_slip_yield_stress_pa"`
}

// Derive computes the estimates from the state at one instant. forceN is
// the normal force in newtons.
func Derive(forceN, posMM, startGapMM, velocityMMS, sampleVolume float64) Derived {
	gap := GapM(posMM, startGapMM)
	vv := ViscosityVolume(sampleVolume, gap)
	return Derived{
		GapM:              gap,
		ViscVolume:        vv,
		Viscosity:         Viscosity(forceN, gap, vv, velocityMMS),
		YieldStress:       PerfectSlipYieldStress(forceN, gap, vv),
		NoSlipYieldStress: NoSlipYieldStress(forceN, gap, vv),
	}
}
