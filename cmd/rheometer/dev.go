package main

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/serialmux"
)

// devSampleRate is how often the simulated OpenScale board prints a line.
const devSampleRate = 80

// devCalibration is used in dev mode when no load cell config exists.
var devCalibration = loadcell.Calibration{Tare: 84000, Scale: 420, Units: "g"}

// springSample models the sample as a linear spring that the hammer meets
// at ContactGapMM.
type springSample struct {
	ContactGapMM   float64
	StiffnessPerMM float64 // force units per mm of compression
	Noise          float64 // peak-to-peak, force units
}

// Force returns the load at the given gap. It is zero above the contact gap.
func (s springSample) Force(gapMM float64) float64 {
	return s.StiffnessPerMM * math.Max(0, s.ContactGapMM-gapMM)
}

// devRig is a simulated stage pressing on a spring, read back through a
// simulated OpenScale board on a serial line mux.
type devRig struct {
	sim    *actuator.Sim
	port   *serialmux.LinePort
	mux    *serialmux.SerialMux[*serialmux.LinePort]
	sample springSample
	cal    loadcell.Calibration

	startGapMM float64
	mu         sync.Mutex
	rng        *rand.Rand
}

func newDevRig(units actuator.Units, cal loadcell.Calibration, startGapMM float64) *devRig {
	r := &devRig{
		sim: actuator.NewSim(nil, units),
		sample: springSample{
			ContactGapMM:   0.8 * startGapMM,
			StiffnessPerMM: 25,
			Noise:          0.02,
		},
		cal:        cal,
		startGapMM: startGapMM,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.port = serialmux.NewLinePort(r.nextLine, time.Second/devSampleRate)
	r.mux = serialmux.NewSerialMux(r.port)
	return r
}

// nextLine prints the raw count for the current stage position the way the
// OpenScale board does.
func (r *devRig) nextLine() string {
	gap := r.sim.PositionMM() + r.startGapMM
	f := r.sample.Force(gap)
	r.mu.Lock()
	f += (r.rng.Float64() - 0.5) * r.sample.Noise
	r.mu.Unlock()
	return fmt.Sprintf("%d,\r\n", int64(math.Round(r.cal.Tare+f*r.cal.Scale)))
}
