package rheometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/control"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/safety"
	"github.com/banshee-data/rheometer/internal/telemetry"
)

var testUnits = actuator.Units{MMPerFullStep: 0.01, StepMode: 4}

// scriptLink replays raw counts with a fixed delay, then either repeats the
// last value or blocks until cancelled.
type scriptLink struct {
	mu     sync.Mutex
	values []int64
	i      int
	delay  time.Duration
	repeat bool
}

func (l *scriptLink) NextRawSample(ctx context.Context) (loadcell.RawSample, error) {
	l.mu.Lock()
	exhausted := l.i >= len(l.values)
	var v int64
	if !exhausted {
		v = l.values[l.i]
		l.i++
	} else if l.repeat && len(l.values) > 0 {
		v = l.values[len(l.values)-1]
		exhausted = false
	}
	l.mu.Unlock()

	if exhausted {
		<-ctx.Done()
		return loadcell.RawSample{}, ctx.Err()
	}
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
		return loadcell.RawSample{}, ctx.Err()
	}
	return loadcell.RawSample{Value: v, At: time.Now()}, nil
}

func (l *scriptLink) Flush() error { return nil }

// ramp returns raw counts for forces from 0 to max in steps of 0.1 at a
// scale of 10 counts per unit.
func ramp(max float64) []int64 {
	var out []int64
	for i := 0; float64(i)/10 <= max+1e-9; i++ {
		out = append(out, int64(i))
	}
	return out
}

// captureSink keeps every record.
type captureSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	closed  int
}

func (s *captureSink) Write(r telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *captureSink) snapshot() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Record(nil), s.records...)
}

func newStream(t *testing.T, link loadcell.LoadCellLink) *loadcell.SensorStream {
	t.Helper()
	s, err := loadcell.NewSensorStream(link, loadcell.Calibration{Tare: 0, Scale: 10, Units: "g"}, loadcell.StreamOptions{})
	require.NoError(t, err)
	return s
}

func testConfig(limits safety.Limits) Config {
	return Config{
		RunID:        "test-run",
		Limits:       limits,
		ForceUnits:   "g",
		SampleVolume: 2e-6,
		Motion: MotionConfig{
			ApproachVelocityMMS: -5,
			ForceThreshold:      0.5,
			HeartbeatInterval:   5 * time.Millisecond,
		},
		MaxSpeedMMS:     5,
		MaxAccelMMSS:    20,
		MaxTestDuration: 10 * time.Second,
		HomeTimeout:     5 * time.Second,
		Logger:          telemetry.Options{Interval: 2 * time.Millisecond},
	}
}

func testController() *control.Controller {
	return control.New(control.Params{
		KP:            0.05,
		KI:            0.01,
		IntegralClamp: 10,
		MuteCycles:    5,
		ReferenceGap:  0.005,
		OutputClamp:   control.ClampNone,
	})
}

func assertHomeAndSafe(t *testing.T, sim *actuator.Sim) {
	t.Helper()
	energized, safeStart := sim.State()
	assert.False(t, energized, "stage still energized")
	assert.True(t, safeStart, "stage not in safe start")
	assert.InDelta(t, 0, sim.PositionMM(), PositionTolerance)
}

func TestForceRampTripsForceLimit(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: ramp(12), delay: 2 * time.Millisecond}
	sink := &captureSink{}
	limits := safety.Limits{ForceLimit: 11, StartGapMM: 5, ReturnMarginMM: 0.01}
	prog := NewForceProgram([]float64{10}, time.Minute, testController(), 5)

	o := New(testConfig(limits), sim, newStream(t, link), prog, sink)
	out, err := o.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, safety.ErrForceLimitExceeded)
	assert.Equal(t, safety.ForceLimitExceeded, out.Verdict)
	assert.InDelta(t, 0.6, o.State().ActivationForce(), 1e-9, "active at the first reading above the threshold")
	assert.Equal(t, Done, o.State().Phase())
	assertHomeAndSafe(t, sim)

	recs := sink.snapshot()
	require.NotEmpty(t, recs)
	assert.Equal(t, 1, sink.closed)
	sawActive := false
	for i, r := range recs {
		if i > 0 {
			assert.Greater(t, r.Elapsed, recs[i-1].Elapsed, "record %d not after %d", i, i-1)
		}
		if r.Active {
			sawActive = true
			assert.NotNil(t, r.Control, "force program records controller state")
		}
		assert.Equal(t, "test-run", r.RunID)
	}
	assert.True(t, sawActive)
	// The log is closed while homing, before the phase reaches Done.
	assert.Equal(t, "Terminating", recs[len(recs)-1].Phase)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: ramp(12), delay: 2 * time.Millisecond}
	limits := safety.Limits{ForceLimit: 11, StartGapMM: 5, ReturnMarginMM: 0.01}
	sink := &captureSink{}
	o := New(testConfig(limits), sim, newStream(t, link), NewForceProgram([]float64{10}, time.Minute, testController(), 5), sink)

	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, safety.ErrForceLimitExceeded)
	assertHomeAndSafe(t, sim)

	for i := 0; i < 2; i++ {
		assert.NoError(t, o.Shutdown())
		assertHomeAndSafe(t, sim)
	}
	assert.Equal(t, 1, sink.closed)

	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestShutdownWithoutRun(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	o := New(testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 5, ReturnMarginMM: 1}), sim,
		newStream(t, &scriptLink{}), NewStrainRateProgram(1, time.Second))

	require.NoError(t, o.Shutdown())
	require.NoError(t, o.Shutdown())
	assert.Equal(t, Done, o.State().Phase())
	assertHomeAndSafe(t, sim)
}

func TestApproachHitsHardStop(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	limits := safety.Limits{ForceLimit: 80, StartGapMM: 0.2, ReturnMarginMM: 0.05}

	o := New(testConfig(limits), sim, newStream(t, link), NewStrainRateProgram(0.1, time.Second))
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrNoContact)
	assert.Equal(t, safety.TravelLimitExceeded, out.Verdict)
	assert.Equal(t, Done, o.State().Phase())
	assert.Zero(t, o.State().ActivationForce())
	assertHomeAndSafe(t, sim)
}

func TestAbortStopsTest(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	limits := safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1}
	cfg := testConfig(limits)
	cfg.Motion.ApproachVelocityMMS = -0.5

	o := New(cfg, sim, newStream(t, link), NewStrainRateProgram(1, time.Second))
	time.AfterFunc(30*time.Millisecond, func() { o.Abort("operator pressed stop") })
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "operator pressed stop", out.Reason)
	assertHomeAndSafe(t, sim)
}

func TestMaxDurationEndsTest(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5
	cfg.MaxTestDuration = 40 * time.Millisecond

	o := New(cfg, sim, newStream(t, link), NewStrainRateProgram(1, time.Second))
	_, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrMaxDuration)
	assert.Equal(t, Done, o.State().Phase())
}

func TestSensorLossEndsTest(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5

	o := New(cfg, sim, failingSensor{err: loadcell.ErrLinkClosed}, NewStrainRateProgram(1, time.Second))
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrSensorLost)
	assert.Equal(t, "sensor pump stopped", out.Reason)
	assertHomeAndSafe(t, sim)
}

type failingSensor struct{ err error }

func (f failingSensor) NextAccepted(context.Context) (loadcell.FilteredReading, error) {
	time.Sleep(10 * time.Millisecond)
	return loadcell.FilteredReading{}, f.err
}

func (failingSensor) Flush() error { return nil }

// panicProgram blows up on its first step.
type panicProgram struct{}

func (panicProgram) Name() string                { return "panic" }
func (panicProgram) Options() ProgramOptions     { return ProgramOptions{} }
func (panicProgram) Begin(Cycle)                 {}
func (panicProgram) Step(Cycle) (Command, bool)  { panic("boom") }
func (panicProgram) Done() bool                  { return false }
func (panicProgram) Target() (float64, int)      { return 0, 0 }

func TestPanicStillShutsDown(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	sink := &captureSink{}

	o := New(testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 5, ReturnMarginMM: 1}), sim, newStream(t, link), panicProgram{}, sink)
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, "motion loop crashed", out.Reason)
	assert.Equal(t, Done, o.State().Phase())
	assert.Equal(t, 1, sink.closed)
	assertHomeAndSafe(t, sim)
}

func TestActuatorFailureIsReported(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	sim.FailAfter = 12
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5

	o := New(cfg, sim, newStream(t, link), NewStrainRateProgram(1, time.Second))
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, actuator.ErrLink)
	assert.ErrorIs(t, out.Err, actuator.ErrLink)
	// The shutdown could not reach the stage either, and says so.
	assert.ErrorIs(t, o.Shutdown(), actuator.ErrLink)
	assert.Equal(t, Done, o.State().Phase())
}

func TestSetGapProgramRunsToCompletion(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	limits := safety.Limits{ForceLimit: 80, StartGapMM: 5, ReturnMarginMM: 1}
	prog := NewSetGapProgram([]float64{4.98, 4.96}, 5, 10*time.Millisecond)
	sink := &captureSink{}

	o := New(testConfig(limits), sim, newStream(t, link), prog, sink)
	out, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, prog, o.Program())
	assert.Equal(t, "set-gap program complete", out.Reason)
	assert.True(t, prog.Done())
	assertHomeAndSafe(t, sim)

	minPos := 0.0
	for _, r := range sink.snapshot() {
		minPos = math.Min(minPos, r.PositionMM)
		assert.Nil(t, r.Control)
	}
	assert.InDelta(t, -0.04, minPos, 2*PositionTolerance)
}

func TestContextCancelStopsTest(t *testing.T) {
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	o := New(cfg, sim, newStream(t, link), NewStrainRateProgram(1, time.Second))
	out, err := o.Run(ctx)

	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMaxDuration), "got %v", err)
	assert.NotEmpty(t, out.Reason)
	assertHomeAndSafe(t, sim)
}

func TestHeldStepTripsForceLimit(t *testing.T) {
	// The force ramps to 2 and then jumps to 20 and stays there. The jump
	// is too large for the outlier vote, so the stream rejects it until the
	// held level resyncs the history; the limit then trips.
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: append(ramp(2), 200), delay: 2 * time.Millisecond, repeat: true}
	limits := safety.Limits{ForceLimit: 11, StartGapMM: 5, ReturnMarginMM: 0.01}
	cfg := testConfig(limits)
	cfg.Motion.SensorTimeout = 500 * time.Millisecond
	stream := newStream(t, link)

	o := New(cfg, sim, stream, NewForceProgram([]float64{10}, time.Minute, testController(), 5))
	start := time.Now()
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, safety.ErrForceLimitExceeded)
	assert.Equal(t, safety.ForceLimitExceeded, out.Verdict)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, stream.Counters().Resyncs, uint64(1))
	assert.Equal(t, "g", stream.Calibration().Units)
	assertHomeAndSafe(t, sim)
}

func TestSilentLoadCellEndsTest(t *testing.T) {
	// One reading, then nothing: the link is up but the cell stopped
	// reporting. The loop must not keep driving on the old force.
	sim := actuator.NewSim(nil, testUnits)
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond}
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5
	cfg.Motion.SensorTimeout = 40 * time.Millisecond

	o := New(cfg, sim, newStream(t, link), NewStrainRateProgram(1, time.Second))
	out, err := o.Run(context.Background())

	assert.ErrorIs(t, err, ErrSensorStale)
	assert.Contains(t, out.Reason, "load cell silent")
	assert.Equal(t, Done, o.State().Phase())
	assertHomeAndSafe(t, sim)
}

// slowRegistersStage is a stage whose register read is slow and holds the
// same lock as the heartbeat, as one serial port would.
type slowRegistersStage struct {
	*actuator.Sim
	mu        sync.Mutex
	beats     []time.Time
	varsCalls int
	varsDone  time.Time
}

func (s *slowRegistersStage) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats = append(s.beats, time.Now())
	return s.Sim.Heartbeat()
}

func (s *slowRegistersStage) Variables() (actuator.Variables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.varsCalls++
	time.Sleep(100 * time.Millisecond)
	s.varsDone = time.Now()
	return s.Sim.Variables()
}

func TestSlowRegisterReadKeepsHeartbeat(t *testing.T) {
	stage := &slowRegistersStage{Sim: actuator.NewSim(nil, testUnits)}
	link := &scriptLink{values: []int64{0}, delay: time.Millisecond, repeat: true}
	cfg := testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 50, ReturnMarginMM: 1})
	cfg.Motion.ApproachVelocityMMS = -0.5
	cfg.Motion.HeartbeatInterval = 10 * time.Millisecond
	cfg.Motion.RegistersInterval = time.Hour
	sink := &captureSink{}

	o := New(cfg, stage, newStream(t, link), NewStrainRateProgram(1, time.Second), sink)
	var abortAt time.Time
	var abortMu sync.Mutex
	time.AfterFunc(300*time.Millisecond, func() {
		abortMu.Lock()
		abortAt = time.Now()
		abortMu.Unlock()
		o.Abort("done")
	})
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAborted)

	abortMu.Lock()
	end := abortAt
	abortMu.Unlock()
	stage.mu.Lock()
	var beats []time.Time
	// The logger runs throughout; only the motion loop reads registers, once,
	// so every heartbeat after that read keeps the cadence.
	for _, b := range stage.beats {
		if b.After(stage.varsDone) && b.Before(end) {
			beats = append(beats, b)
		}
	}
	calls := stage.varsCalls
	stage.mu.Unlock()

	require.Greater(t, len(beats), 5)
	for i := 1; i < len(beats); i++ {
		assert.Less(t, beats[i].Sub(beats[i-1]), 60*time.Millisecond, "heartbeat gap before beat %d", i)
	}
	assert.Equal(t, 1, calls, "registers read once at the start")

	recs := sink.snapshot()
	require.NotEmpty(t, recs)
	assert.Equal(t, 12000, int(recs[len(recs)-1].Vars.VinMV), "the log carries the polled registers")
}

// blindStage cannot report its velocity.
type blindStage struct{ *actuator.Sim }

func (blindStage) Velocity() (int32, error) { return 0, actuator.ErrLink }

func TestHomingSurvivesVelocityReadFailure(t *testing.T) {
	original := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = original })
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	sim := actuator.NewSim(nil, testUnits)
	require.NoError(t, sim.HaltAndZero())
	require.NoError(t, sim.Energize())
	require.NoError(t, sim.ExitSafeStart())
	require.NoError(t, sim.Configure(5, 20))
	require.NoError(t, sim.SetTargetPosition(-0.5))
	require.Eventually(t, func() bool { return sim.PositionMM() <= -0.5+1e-9 }, 2*time.Second, 5*time.Millisecond)

	o := New(testConfig(safety.Limits{ForceLimit: 80, StartGapMM: 5, ReturnMarginMM: 1}), blindStage{sim},
		newStream(t, &scriptLink{}), NewStrainRateProgram(1, time.Second))
	require.NoError(t, o.Shutdown())
	assertHomeAndSafe(t, sim)
	assert.Zero(t, o.State().Last().Velocity, "last known velocity kept")

	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, l := range lines {
		if strings.Contains(l, "homing velocity read") {
			n++
		}
	}
	assert.Equal(t, 1, n, "failures are rate limited: %v", lines)
}
