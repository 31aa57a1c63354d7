// Package loadcell turns raw load-cell counts into calibrated force readings
// and rejects single-sample glitches before they reach the controller.
package loadcell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/rheometer/internal/config"
)

var (
	// ErrCalibrationMissing means tare, scale or units are not known. It is
	// fatal at test start.
	ErrCalibrationMissing = errors.New("load cell calibration missing")

	// ErrOutlierRejected marks a reading that failed the quorum vote. It is
	// soft: the caller resamples.
	ErrOutlierRejected = errors.New("reading rejected as outlier")
)

// SensorFault is a malformed sample from the link. It is soft.
type SensorFault struct {
	Line string
	Err  error
}

func (e *SensorFault) Error() string {
	return fmt.Sprintf("malformed load cell sample %q: %v", e.Line, e.Err)
}

func (e *SensorFault) Unwrap() error { return e.Err }

// IsSoft reports whether err is one SensorStream absorbs by resampling.
func IsSoft(err error) bool {
	var fault *SensorFault
	return errors.Is(err, ErrOutlierRejected) || errors.As(err, &fault)
}

// RawSample is one uncalibrated count from the load cell with the time it was
// read.
type RawSample struct {
	Value int64
	At    time.Time
}

// FilteredReading is a calibrated, quorum-accepted force.
type FilteredReading struct {
	Force float64 // calibrated units, see Calibration.Units
	Raw   int64
	At    time.Time
}

// LoadCellLink is the capability the engine needs from the load-cell board.
type LoadCellLink interface {
	// NextRawSample blocks until a sample arrives or ctx is done. A
	// malformed line is reported as a *SensorFault.
	NextRawSample(ctx context.Context) (RawSample, error)
	// Flush discards samples buffered while nobody was reading.
	Flush() error
}

// Calibration converts raw counts into force units.
type Calibration struct {
	Tare  float64
	Scale float64
	Units string
}

// CalibrationFromConfig extracts the calibration constants, failing with
// ErrCalibrationMissing if any of them is absent.
func CalibrationFromConfig(c *config.LoadCellConfig) (Calibration, error) {
	if err := c.Calibrated(); err != nil {
		return Calibration{}, fmt.Errorf("%w: %v", ErrCalibrationMissing, err)
	}
	return Calibration{Tare: *c.Tare, Scale: *c.Calibration, Units: c.GetUnits()}, nil
}

// Valid reports whether the calibration can be applied.
func (c Calibration) Valid() bool {
	return c.Scale != 0 && c.Units != ""
}

// Apply converts a raw count to force.
func (c Calibration) Apply(raw int64) float64 {
	return (float64(raw) - c.Tare) / c.Scale
}

// GramsToNewtons converts a force in grams-force to newtons.
func GramsToNewtons(g float64) float64 {
	return 0.00980665 * g
}

// ToNewtons converts a force in the given calibrated units to newtons.
// Unknown units are treated as grams, the unit the rig is normally
// calibrated in.
func ToNewtons(f float64, units string) float64 {
	switch units {
	case "N":
		return f
	case "mN":
		return f / 1000
	case "kg":
		return GramsToNewtons(f * 1000)
	default:
		return GramsToNewtons(f)
	}
}
