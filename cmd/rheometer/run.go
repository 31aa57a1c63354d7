package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/api"
	"github.com/banshee-data/rheometer/internal/config"
	"github.com/banshee-data/rheometer/internal/db"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/rheometer"
	"github.com/banshee-data/rheometer/internal/safety"
	"github.com/banshee-data/rheometer/internal/serialmux"
	"github.com/banshee-data/rheometer/internal/telemetry"
	"github.com/banshee-data/rheometer/internal/version"
)

const (
	tareSamples     = 40
	rollingCapacity = 100000
	mqttEvery       = 4
)

// hardware is the stage and the load cell line mux for one run.
type hardware struct {
	act  actuator.Actuator
	mux  serialmux.SerialMuxInterface
	stop func()
}

func openHardware(units actuator.Units, cal loadcell.Calibration, startGapMM float64) (*hardware, error) {
	if *devMode {
		rig := newDevRig(units, cal, startGapMM)
		return &hardware{act: rig.sim, mux: rig.mux, stop: func() { rig.mux.Close() }}, nil
	}
	mux, err := serialmux.NewRealSerialMux(*loadCellPort, serialmux.PortOptions{BaudRate: serialmux.OpenScaleBaudRate})
	if err != nil {
		return nil, fmt.Errorf("open load cell: %w", err)
	}
	tic, err := actuator.OpenTic(*ticPort, units)
	if err != nil {
		mux.Close()
		return nil, fmt.Errorf("open stage: %w", err)
	}
	return &hardware{act: tic, mux: mux, stop: func() {
		if err := multierr.Combine(tic.Close(), mux.Close()); err != nil {
			log.Printf("[rheometer] closing ports: %v", err)
		}
	}}, nil
}

// calibration loads the load cell config. Dev mode falls back to a made-up
// calibration so it runs without a config file.
func calibration(path string) (*config.LoadCellConfig, loadcell.Calibration, error) {
	lc, err := config.LoadLoadCellConfig(path)
	if err != nil {
		if *devMode && errors.Is(err, os.ErrNotExist) {
			log.Printf("[config] %s not found, using the dev calibration", path)
			return &config.LoadCellConfig{
				MaxForce: ptr(100.0),
				Gap:      ptr(5.0),
			}, devCalibration, nil
		}
		return nil, loadcell.Calibration{}, err
	}
	cal, err := loadcell.CalibrationFromConfig(lc)
	if err != nil {
		return nil, cal, fmt.Errorf("%w: run the tare and calibration procedure first", err)
	}
	return lc, cal, nil
}

// runSettings is written next to the data file.
type runSettings struct {
	RunID          string                 `json:"run_id"`
	Mode           string                 `json:"mode"`
	Sample         string                 `json:"sample"`
	SampleVolumeML float64                `json:"sample_volume_ml"`
	StartGapMM     float64                `json:"start_gap_mm"`
	GapMM          float64                `json:"gap_mm,omitempty"`
	ForceLimit     float64                `json:"force_limit"`
	Units          string                 `json:"units"`
	Calibration    loadcell.Calibration   `json:"calibration"`
	Settings       *config.TestSettings   `json:"settings"`
	LoadCell       *config.LoadCellConfig `json:"loadcell"`
	Dev            bool                   `json:"dev,omitempty"`
}

func runTest() error {
	log.Printf("[rheometer] %s", version.String())
	tgts, err := parseTargets(*targets)
	if err != nil {
		return err
	}
	s, err := loadSettings(*settingsPath)
	if err != nil {
		return err
	}
	overrides{
		Targets:        tgts,
		StepDuration:   *stepDuration,
		StrainDuration: *strainDuration,
		RetractSpeed:   *retractSpeed,
	}.apply(s)
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid test settings: %w", err)
	}

	lc, cal, err := calibration(*loadCellConfig)
	if err != nil {
		return err
	}
	units := actuator.Units{MMPerFullStep: s.GetMMPerFullStep(), StepMode: s.GetStepMode()}
	if err := units.Validate(); err != nil {
		return err
	}
	gapMM := *startGap
	if gapMM <= 0 {
		gapMM = lc.GetGap()
	}
	if gapMM <= 0 {
		return errors.New("no start gap: pass -start-gap or measure the gap first")
	}
	sampleVolume := *volume * 1e-6

	prog, err := rheometer.NewProgram(rheometer.ProgramConfig{
		Mode:         *mode,
		Targets:      s.Targets,
		StartGapMM:   gapMM,
		SampleVolume: sampleVolume,
		GapMM:        *gap,
	}, s)
	if err != nil {
		return err
	}
	_, controlled := prog.(rheometer.Controlled)

	hw, err := openHardware(units, cal, gapMM)
	if err != nil {
		return err
	}

	// The serial mux outlives the test so the stage can still be homed after
	// an abort; it is stopped once everything else is closed.
	muxCtx, stopMux := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hw.mux.Monitor(muxCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			log.Printf("[serial] monitor stopped: %v", err)
		}
	}()
	defer func() {
		stopMux()
		hw.stop()
		wg.Wait()
	}()

	link := loadcell.NewOpenScaleLink(hw.mux, nil)
	defer link.Close()
	stream, err := loadcell.NewSensorStream(link, cal, loadcell.StreamOptions{
		RecordRejected: s.GetRecordRejected(),
		ResyncAfter:    s.GetResyncAfter(),
	})
	if err != nil {
		return err
	}
	prepCtx, cancelPrep := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelPrep()
	if err := link.WarmUp(prepCtx, loadcell.WarmUpLines); err != nil {
		return fmt.Errorf("load cell warm-up: %w", err)
	}
	tc, err := loadcell.CheckTare(prepCtx, stream, tareSamples)
	if err != nil {
		return err
	}
	log.Printf("[loadcell] unloaded reading %.3f ± %.3f %s over %d samples", tc.Mean, tc.StdDev, cal.Units, tc.N)
	stream.Preload(tc.Mean)

	start := time.Now()
	runID := uuid.NewString()
	dataDir := s.GetDataFolder()
	base := telemetry.FileBase(start, *mode, *sample, sampleVolume)
	csvPath := filepath.Join(dataDir, telemetry.DataFileName(base))

	rs := runSettings{
		RunID:          runID,
		Mode:           *mode,
		Sample:         *sample,
		SampleVolumeML: *volume,
		StartGapMM:     gapMM,
		GapMM:          *gap,
		ForceLimit:     lc.ForceLimit(),
		Units:          cal.Units,
		Calibration:    cal,
		Settings:       s,
		LoadCell:       lc,
		Dev:            *devMode,
	}
	if err := telemetry.WriteSettings(filepath.Join(dataDir, base+"-settings.json"), rs); err != nil {
		return fmt.Errorf("write run settings: %w", err)
	}
	csvSink, err := telemetry.NewCSVSink(csvPath, cal.Units, controlled)
	if err != nil {
		return err
	}
	sinks := []telemetry.Sink{csvSink}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			csvSink.Close()
			return err
		}
		defer store.Close()
		err = store.StartRun(db.Run{
			ID:           runID,
			Mode:         *mode,
			Sample:       *sample,
			SampleVolume: sampleVolume,
			Units:        cal.Units,
			StartGapMM:   gapMM,
			ForceLimit:   lc.ForceLimit(),
			DataFile:     csvPath,
			Settings:     rs,
			StartedAt:    start,
		})
		if err != nil {
			csvSink.Close()
			return err
		}
		dbSink, err := store.TelemetrySink()
		if err != nil {
			csvSink.Close()
			return err
		}
		sinks = append(sinks, dbSink)
	}
	if *mqttBroker != "" {
		m, err := telemetry.DialMQTT(*mqttBroker, "rheometer-"+runID[:8], *mqttTopic, mqttEvery)
		if err != nil {
			log.Printf("[telemetry] mqtt disabled: %v", err)
		} else {
			sinks = append(sinks, m)
		}
	}

	rolling := telemetry.NewRolling(rollingCapacity, 0)
	o := rheometer.New(rheometer.Config{
		RunID: runID,
		Limits: safety.Limits{
			ForceLimit:     lc.ForceLimit(),
			StartGapMM:     gapMM,
			ReturnMarginMM: s.GetReturnMarginMM(),
		},
		ForceUnits:   cal.Units,
		SampleVolume: sampleVolume,
		Motion: rheometer.MotionConfig{
			ApproachVelocityMMS: s.GetApproachVelocityMMS(),
			ForceThreshold:      s.GetForceThreshold(),
			HeartbeatInterval:   s.GetHeartbeatInterval(),
			StatusInterval:      s.GetStatusInterval(),
			SensorTimeout:       s.GetSensorTimeout(),
		},
		MaxSpeedMMS:     s.GetMaxSpeedMMS(),
		MaxAccelMMSS:    s.GetMaxAccelMMSS(),
		MaxTestDuration: s.GetMaxTestDuration(),
		HomeTimeout:     s.GetHomeTimeout(),
		Logger:          telemetry.Options{Interval: s.GetLogInterval()},
		Rolling:         rolling,
	}, hw.act, stream, prog, sinks...)

	stopHTTP := serveHTTP(o, stream, store, hw.mux, runID)
	defer stopHTTP()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	stopSignals := abortOnSignal(sigs, o.Abort)

	log.Printf("[rheometer] run %s: %s test, data in %s", runID, o.Program().Name(), csvPath)
	out, runErr := o.Run(context.Background())
	stopSignals()

	if store != nil {
		if err := store.FinishRun(runID, out.String(), time.Now()); err != nil {
			log.Printf("[db] finish run: %v", err)
		}
	}
	fig := telemetry.FigurePath(dataDir, start, base)
	if err := telemetry.SaveFigure(fig, cal.Units, rolling.Points()); err != nil {
		log.Printf("[telemetry] figure not saved: %v", err)
	} else {
		log.Printf("[telemetry] figure saved to %s", fig)
	}
	log.Printf("[rheometer] %s", out)
	// An operator abort that homed cleanly is a normal exit.
	if errors.Is(out.Err, rheometer.ErrAborted) && o.Shutdown() == nil {
		return nil
	}
	return runErr
}

// abortOnSignal calls abort for every signal on sigs until the returned
// stop func is called. stop waits for the watcher to exit.
func abortOnSignal(sigs <-chan os.Signal, abort func(reason string)) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case sig := <-sigs:
				log.Printf("[rheometer] %s received, aborting; the stage will be homed before exit", sig)
				abort("received " + sig.String())
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// serveHTTP starts the API and debug pages on -listen and returns a func
// that shuts the server down.
func serveHTTP(o *rheometer.Orchestrator, stream *loadcell.SensorStream, store *db.DB, mux serialmux.SerialMuxInterface, runID string) func() {
	if *listen == "" {
		return func() {}
	}
	routes := api.NewServer(o.State(), api.Options{
		RunID:       runID,
		Rolling:     o.Logger().Rolling(),
		Counters:    stream.Counters,
		LoggerStats: o.Logger().Stats,
		DB:          store,
	}).ServeMux()
	mux.AttachAdminRoutes(routes)
	o.Logger().AttachAdminRoutes(routes, stream.Calibration().Units)
	if store != nil {
		if err := store.AttachAdminRoutes(routes); err != nil {
			log.Printf("[db] admin routes disabled: %v", err)
		}
	}

	server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(routes)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server stopped: %v", err)
		}
	}()
	log.Printf("[api] listening on %s", *listen)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[api] shutdown: %v", err)
			server.Close()
		}
	}
}
