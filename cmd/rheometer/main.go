// Command rheometer runs one squeeze-flow test on the rig and serves its
// live state over HTTP while it runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rheometer/internal/api"
	"github.com/banshee-data/rheometer/internal/config"
	"github.com/banshee-data/rheometer/internal/db"
	"github.com/banshee-data/rheometer/internal/httputil"
	"github.com/banshee-data/rheometer/internal/rheometer"
	"github.com/banshee-data/rheometer/internal/version"
)

var (
	mode           = flag.String("mode", "force", "Test mode: "+strings.Join(rheometer.Modes, ", "))
	settingsPath   = flag.String("settings", config.DefaultSettingsPath, "Test settings JSON file (defaults are used if it does not exist)")
	loadCellConfig = flag.String("loadcell-config", config.DefaultLoadCellConfigPath, "Load cell tare and calibration file")

	targets        = flag.String("targets", "", "Comma-separated force targets for force mode, strictly increasing (overrides the settings file)")
	startGap       = flag.Float64("start-gap", 0, "Gap between hammer and plate at the start point in mm (default: last measured gap)")
	volume         = flag.Float64("volume", 2, "Sample volume in mL")
	sample         = flag.String("sample", "sample", "Sample name used in file names")
	stepDuration   = flag.Duration("step-duration", 0, "Hold time of each force target or rest time of each gap (overrides the settings file)")
	strainDuration = flag.Duration("strain-duration", 0, "Length of a strain-rate test (overrides the settings file)")
	retractSpeed   = flag.Float64("retract-speed", 0, "Retraction speed in mm/s (overrides the settings file)")
	gap            = flag.Float64("gap", 0, "Minimum gap in mm for strain-rate, start gap in mm for retraction")

	loadCellPort = flag.String("loadcell-port", "/dev/ttyUSB0", "OpenScale serial port (ignored in dev mode)")
	ticPort      = flag.String("tic-port", "/dev/ttyACM0", "Tic stepper controller serial port (ignored in dev mode)")
	devMode      = flag.Bool("dev", false, "Run against a simulated stage and load cell")

	listen     = flag.String("listen", ":8080", "Listen address for the status API and debug pages (empty disables)")
	dbPath     = flag.String("db", "rheometer.db", "SQLite telemetry database (empty disables)")
	mqttBroker = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic  = flag.String("mqtt-topic", "rheometer/telemetry", "MQTT topic for telemetry records")

	addr = flag.String("addr", "localhost:8080", "Rig address for the status and abort subcommands")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] [command]\n\n", os.Args[0])
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  (none)            run a test")
	fmt.Fprintln(out, "  migrate <action>  manage the telemetry database schema")
	fmt.Fprintln(out, "  status            show the state of a running rig")
	fmt.Fprintln(out, "  abort [reason]    stop a running test")
	fmt.Fprintln(out, "  version           print build information")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "":
		err = runTest()
	case "migrate":
		err = db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath)
	case "status":
		err = showStatus(*addr)
	case "abort":
		err = sendAbort(*addr, strings.Join(flag.Args()[1:], " "))
	case "version":
		fmt.Println(version.String())
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("rheometer: %v", err)
	}
}

// parseTargets reads a comma-separated list of force targets.
func parseTargets(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", f, err)
		}
		out = append(out, v)
	}
	if err := config.ValidateTargets(out); err != nil {
		return nil, err
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

// overrides are the command-line values that replace settings file fields.
type overrides struct {
	Targets        []float64
	StepDuration   time.Duration
	StrainDuration time.Duration
	RetractSpeed   float64
}

func (o overrides) apply(s *config.TestSettings) {
	if len(o.Targets) > 0 {
		s.Targets = o.Targets
	}
	if o.StepDuration > 0 {
		s.TestDuration = ptr(o.StepDuration.Seconds())
	}
	if o.StrainDuration > 0 {
		s.StrainDuration = ptr(o.StrainDuration.Seconds())
	}
	if o.RetractSpeed > 0 {
		s.RetractSpeedMMS = ptr(o.RetractSpeed)
	}
}

// loadSettings reads path, falling back to the defaults when the file does
// not exist.
func loadSettings(path string) (*config.TestSettings, error) {
	s, err := config.LoadTestSettings(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] %s not found, using default settings", path)
		return config.DefaultTestSettings(), nil
	}
	return s, err
}

func showStatus(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := api.NewClient(httputil.NewStandardClient(0), addr).Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func sendAbort(addr, reason string) error {
	if reason == "" {
		reason = "abort requested from the command line"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.NewClient(httputil.NewStandardClient(0), addr).Abort(ctx, reason); err != nil {
		return err
	}
	fmt.Println("abort sent; the rig is homing the stage")
	return nil
}
