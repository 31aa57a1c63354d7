package loadcell

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// TareTolerance is the largest unloaded reading, in calibrated units, that
// still counts as tared.
const TareTolerance = 0.5

// ErrOutOfTare means the unloaded cell does not read zero. Re-running the
// tare procedure fixes it.
var ErrOutOfTare = errors.New("load cell out of tare")

// TareCheck is the result of CheckTare.
type TareCheck struct {
	Mean   float64
	StdDev float64
	N      int
}

// CheckTare averages n calibrated samples from an unloaded cell and fails
// with ErrOutOfTare if the mean is further than TareTolerance from zero.
// It reads the link directly: the outlier vote would reject every sample
// of a drifted cell and hide the drift behind a timeout. Malformed lines
// are skipped.
func CheckTare(ctx context.Context, s *SensorStream, n int) (TareCheck, error) {
	if n < 1 {
		n = 1
	}
	xs := make([]float64, 0, n)
	for len(xs) < n {
		raw, err := s.link.NextRawSample(ctx)
		if err != nil {
			var fault *SensorFault
			if errors.As(err, &fault) {
				s.faults.Add(1)
				continue
			}
			if len(xs) > 0 {
				return TareCheck{}, fmt.Errorf("tare check after %d samples, last %.2f%s: %w", len(xs), xs[len(xs)-1], s.cal.Units, err)
			}
			return TareCheck{}, fmt.Errorf("tare check: %w", err)
		}
		xs = append(xs, s.cal.Apply(raw.Value))
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if n == 1 {
		std = 0
	}
	tc := TareCheck{Mean: mean, StdDev: std, N: n}
	if math.Abs(mean) > TareTolerance {
		return tc, fmt.Errorf("%w: reads %.2f%s", ErrOutOfTare, mean, s.cal.Units)
	}
	return tc, nil
}
