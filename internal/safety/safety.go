// Package safety holds the per-cycle limit checks. They do not depend on the
// controller and never change once a test has started.
package safety

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrForceLimitExceeded  = errors.New("force limit exceeded")
	ErrTravelLimitExceeded = errors.New("travel limit exceeded: hammer at hard stop")
	ErrReturnLimitExceeded = errors.New("return limit exceeded: hammer back at home")
)

// Verdict is the outcome of one check.
type Verdict int

const (
	Ok Verdict = iota
	ForceLimitExceeded
	TravelLimitExceeded
	ReturnLimitExceeded
)

func (v Verdict) String() string {
	switch v {
	case Ok:
		return "ok"
	case ForceLimitExceeded:
		return "force_limit_exceeded"
	case TravelLimitExceeded:
		return "travel_limit_exceeded"
	case ReturnLimitExceeded:
		return "return_limit_exceeded"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Err returns the sentinel for a tripped verdict and nil for Ok.
func (v Verdict) Err() error {
	switch v {
	case ForceLimitExceeded:
		return ErrForceLimitExceeded
	case TravelLimitExceeded:
		return ErrTravelLimitExceeded
	case ReturnLimitExceeded:
		return ErrReturnLimitExceeded
	}
	return nil
}

// Limits are loaded once at test start. Positions are millimetres from the
// start point; closing moves negative, so the hard stop sits at -StartGapMM.
type Limits struct {
	ForceLimit     float64 // calibrated force units
	StartGapMM     float64
	ReturnMarginMM float64
}

// Validate rejects limits that would trip immediately or never.
func (l Limits) Validate() error {
	if !(l.ForceLimit > 0) {
		return fmt.Errorf("force limit must be positive, got %v", l.ForceLimit)
	}
	if !(l.StartGapMM > 0) {
		return fmt.Errorf("start gap must be positive, got %v mm", l.StartGapMM)
	}
	if l.ReturnMarginMM < 0 || l.ReturnMarginMM >= l.StartGapMM {
		return fmt.Errorf("return margin %v mm must be in [0, start gap)", l.ReturnMarginMM)
	}
	return nil
}

// Check evaluates the limits in priority order: force, then travel, then the
// return limit, which only applies while the test is active (during the
// approach the hammer starts at home).
func Check(force, posMM float64, active bool, l Limits) Verdict {
	if math.Abs(force) > l.ForceLimit {
		return ForceLimitExceeded
	}
	if math.Abs(posMM) >= l.StartGapMM {
		return TravelLimitExceeded
	}
	if active && math.Abs(posMM) <= l.ReturnMarginMM {
		return ReturnLimitExceeded
	}
	return Ok
}
