package rheometer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/safety"
	"github.com/banshee-data/rheometer/internal/telemetry"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

var (
	// ErrHomeTimeout is returned when the stage did not reach home in time.
	ErrHomeTimeout = errors.New("stage did not reach home before the timeout")
	// ErrPanic wraps a recovered panic in one of the test tasks.
	ErrPanic = errors.New("task panicked")
	// ErrAlreadyRun is returned by a second Run.
	ErrAlreadyRun = errors.New("orchestrator already ran")
)

// Readings is the sensor side of a test.
type Readings interface {
	NextAccepted(ctx context.Context) (loadcell.FilteredReading, error)
	Flush() error
}

// Config is everything the orchestrator needs besides its collaborators.
type Config struct {
	RunID        string
	Limits       safety.Limits
	ForceUnits   string
	SampleVolume float64 // m^3

	Motion          MotionConfig
	MaxSpeedMMS     float64
	MaxAccelMMSS    float64
	MaxTestDuration time.Duration
	HomeTimeout     time.Duration

	Logger  telemetry.Options
	Rolling *telemetry.Rolling
	Clock   timeutil.Clock
}

// Orchestrator owns the test state, runs the sensor pump, motion loop and
// data logger, and always runs the shutdown sequence.
type Orchestrator struct {
	cfg    Config
	act    actuator.Actuator
	sensor Readings
	prog   Program
	state  *State
	logger *telemetry.Logger

	started     sync.Once
	tasks       sync.WaitGroup
	loggerTasks sync.WaitGroup

	mu         sync.Mutex
	cancel     context.CancelFunc
	stopLogger context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an orchestrator. Sinks are closed during shutdown.
func New(cfg Config, act actuator.Actuator, sensor Readings, prog Program, sinks ...telemetry.Sink) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	cfg.Motion.Clock = cfg.Clock
	if cfg.Motion.MaxAccelMMSS == 0 {
		cfg.Motion.MaxAccelMMSS = cfg.MaxAccelMMSS
	}
	if cfg.MaxTestDuration <= 0 {
		cfg.MaxTestDuration = 7200 * time.Second
	}
	if cfg.HomeTimeout <= 0 {
		cfg.HomeTimeout = 2 * time.Minute
	}
	state := NewState(StateConfig{
		Units:        act.Units(),
		Limits:       cfg.Limits,
		ForceUnits:   cfg.ForceUnits,
		SampleVolume: cfg.SampleVolume,
		Program:      prog.Name(),
		Clock:        cfg.Clock,
	})
	lopts := cfg.Logger
	lopts.RunID = cfg.RunID
	lopts.IncludePID = controllerOf(prog) != nil
	lopts.Clock = cfg.Clock
	return &Orchestrator{
		cfg:    cfg,
		act:    act,
		sensor: sensor,
		prog:   prog,
		state:  state,
		logger: telemetry.NewLogger(state, cfg.Rolling, lopts, sinks...),
	}
}

// State is the live test state.
func (o *Orchestrator) State() *State { return o.state }

// Logger is the data logger, for the live views.
func (o *Orchestrator) Logger() *telemetry.Logger { return o.logger }

// Program is the running test recipe.
func (o *Orchestrator) Program() Program { return o.prog }

// Abort asks the running test to stop. Shutdown still runs.
func (o *Orchestrator) Abort(reason string) { o.state.Abort(reason) }

// recovered turns a panic in a task into an error.
func recovered(name string, r interface{}) error {
	monitoring.Logf("[rheometer] %s panicked: %v\n%s", name, r, debug.Stack())
	return fmt.Errorf("%w: %s: %v", ErrPanic, name, r)
}

// Run executes the test and the shutdown sequence. The outcome says why the
// test ended; the error is non-nil if the test or its shutdown failed.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	first := false
	o.started.Do(func() { first = true })
	if !first {
		return Outcome{}, ErrAlreadyRun
	}

	if err := o.startup(); err != nil {
		out := Outcome{Reason: "stage startup failed", Err: err}
		monitoring.Logf("[rheometer] test ended: %s", out)
		return out, multierr.Append(err, o.Shutdown())
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxTestDuration)
	defer cancel()
	logCtx, stopLogger := context.WithCancel(context.Background())
	defer stopLogger()
	o.mu.Lock()
	o.cancel, o.stopLogger = cancel, stopLogger
	o.mu.Unlock()
	o.loggerTasks.Add(1)
	go func() {
		defer o.loggerTasks.Done()
		defer func() {
			if r := recover(); r != nil {
				recovered("data logger", r)
			}
		}()
		o.logger.Run(logCtx)
	}()

	readings := make(chan loadcell.FilteredReading, 8)
	sensorErr := make(chan error, 1)
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				sensorErr <- recovered("sensor pump", r)
			}
		}()
		if err := pump(runCtx, o.sensor, readings); err != nil {
			sensorErr <- err
		}
	}()

	outcomes := make(chan Outcome, 1)
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				outcomes <- Outcome{Reason: "motion loop crashed", Err: recovered("motion loop", r)}
			}
		}()
		outcomes <- NewMotionLoop(o.cfg.Motion, o.act, o.prog, o.state, readings).Run(runCtx)
	}()

	var out Outcome
	select {
	case out = <-outcomes:
	case err := <-sensorErr:
		cancel()
		<-outcomes
		out = Outcome{Reason: "sensor pump stopped", Err: fmt.Errorf("%w: %v", ErrSensorLost, err)}
	}
	cancel()
	o.tasks.Wait()

	if out.Err != nil {
		monitoring.Logf("[rheometer] test ended: %s", out)
	} else {
		monitoring.Logf("[rheometer] test finished: %s", out)
	}
	return out, multierr.Append(out.Err, o.Shutdown())
}

// pump feeds accepted readings to the motion loop until ctx ends. Soft
// sensor errors never get here; anything returned is fatal.
func pump(ctx context.Context, sensor Readings, out chan<- loadcell.FilteredReading) error {
	if err := sensor.Flush(); err != nil {
		monitoring.Logf("[loadcell] flush before test: %v", err)
	}
	for {
		r, err := sensor.NextAccepted(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) startup() error {
	err := multierr.Combine(
		o.act.Configure(o.cfg.MaxSpeedMMS, o.cfg.MaxAccelMMSS),
		o.act.HaltAndZero(),
		o.act.Energize(),
		o.act.ExitSafeStart(),
		o.act.Heartbeat(),
	)
	if err != nil {
		return fmt.Errorf("stage startup: %w", err)
	}
	return nil
}

// Shutdown stops motion, homes the stage while keeping it alive, puts it in
// safe start, de-energizes it, closes the telemetry sinks and marks the test
// Done. It runs once; later calls return the first result.
func (o *Orchestrator) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown()
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown() error {
	o.mu.Lock()
	cancel, stopLogger := o.cancel, o.stopLogger
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.tasks.Wait()
	if err := o.state.SetPhase(Terminating); err != nil {
		monitoring.Logf("[rheometer] %v", err)
	}
	monitoring.Logf("[rheometer] shutting down: stopping and homing the stage")

	var errs error
	if err := o.act.SetVelocity(0); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop motion: %w", err))
	}
	if err := o.home(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("home: %w", err))
	}
	if err := o.act.EnterSafeStart(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("enter safe start: %w", err))
	}
	if err := o.act.Deenergize(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("de-energize: %w", err))
	}

	if stopLogger != nil {
		stopLogger()
	}
	o.loggerTasks.Wait()
	// One final record so the log ends at the home position.
	o.logger.Tick()
	if err := o.logger.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close telemetry: %w", err))
	}

	if err := o.state.SetPhase(Done); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		monitoring.Logf("[rheometer] shutdown incomplete, check the stage: %v", errs)
	} else {
		monitoring.Logf("[rheometer] stage home and de-energized")
	}
	return errs
}

// home drives to position zero, heartbeating until it arrives or the home
// timeout passes. Progress is written to the state so the logger keeps
// recording.
func (o *Orchestrator) home() error {
	if err := o.act.Configure(o.cfg.MaxSpeedMMS, o.cfg.MaxAccelMMSS); err != nil {
		return err
	}
	if err := o.act.SetTargetPosition(0); err != nil {
		return err
	}
	clock := o.cfg.Clock
	interval := o.cfg.Motion.HeartbeatInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := clock.NewTicker(interval)
	defer t.Stop()
	deadline := clock.Now().Add(o.cfg.HomeTimeout)
	tolerance := int32(math.Max(1, math.Round(PositionTolerance/o.act.Units().StepsToMM(1))))

	last := o.state.Last()
	vel := last.Velocity
	velLog := monitoring.NewThrottle(time.Second)
	for {
		if err := o.act.Heartbeat(); err != nil {
			return err
		}
		pos, err := o.act.Position()
		if err != nil {
			return err
		}
		if v, err := o.act.Velocity(); err != nil {
			velLog.Logf("[rheometer] homing velocity read, keeping %d: %v", vel, err)
		} else {
			vel = v
		}
		o.state.Update(Sample{
			At:       clock.Now(),
			Force:    last.Force,
			Position: pos,
			Velocity: vel,
			Verdict:  last.Verdict,
		})
		if pos >= -tolerance && pos <= tolerance {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return fmt.Errorf("%w: at %.3f mm after %s", ErrHomeTimeout, o.act.Units().StepsToMM(pos), o.cfg.HomeTimeout)
		}
		<-t.C()
	}
}
