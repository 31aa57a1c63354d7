// Package control implements the squeeze-flow force controller: a PID-like
// law with a scheduled proportional gain, a leaky integral and a gap-scaled
// output.
package control

import "math"

// GainParams shapes the proportional gain schedule. A is the gain at large
// relative error (c > 0), B near the setpoint, D the squared relative error
// where the transition is centred and C its sharpness.
type GainParams struct {
	A, B, C, D float64
}

// IsZero reports whether no schedule is configured.
func (p GainParams) IsZero() bool {
	return p.A == 0 && p.B == 0 && p.C == 0 && p.D == 0
}

// Gain returns the proportional gain for err relative to norm:
//
//	(a+b)/2 + (a-b)/2 * tanh(c * ((err/norm)^2 - d))
//
// A zero norm is treated as zero relative error. The result always lies
// between a and b for finite inputs.
func Gain(err, norm float64, p GainParams) float64 {
	ratio := 0.0
	if norm != 0 {
		ratio = err / norm
	}
	x := p.C * (ratio*ratio - p.D)
	g := (p.A+p.B)/2 + (p.A-p.B)/2*math.Tanh(x)
	if math.IsNaN(g) {
		// c*(inf - d) with c == 0
		return (p.A + p.B) / 2
	}
	return g
}
