package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSettingsPath is where the rig keeps its test settings.
const DefaultSettingsPath = "test_settings.json"

// TestSettings holds the controller gains, actuator limits and run defaults
// for a rheometer test. The JSON keys match the settings file the rig has
// always used, so existing files load unchanged; the newer keys are optional.
type TestSettings struct {
	// PID gains. K_P is only used when the gain schedule (a, b, c, d) is
	// absent or all zero.
	KP           *float64 `json:"K_P,omitempty"`
	KI           *float64 `json:"K_I,omitempty"`
	KD           *float64 `json:"K_D,omitempty"`
	DecayRateR   *float64 `json:"decay_rate_r,omitempty"`
	A            *float64 `json:"a,omitempty"`
	B            *float64 `json:"b,omitempty"`
	C            *float64 `json:"c,omitempty"`
	D            *float64 `json:"d,omitempty"`
	RefGap       *float64 `json:"ref_gap,omitempty"`       // metres
	TestDuration *float64 `json:"test_duration,omitempty"` // seconds per step

	IntegralClamp *float64 `json:"integral_clamp,omitempty"`
	MuteCycles    *int     `json:"mute_cycles,omitempty"`
	UseDerivative *bool    `json:"use_derivative,omitempty"`
	OutputClamp   *string  `json:"output_clamp,omitempty"` // none, close_only, open_only

	// Actuator
	StepMode      *int     `json:"actuator_step_mode,omitempty"`
	MaxAccelMMSS  *float64 `json:"actuator_max_accel_mmss,omitempty"`
	MaxSpeedMMS   *float64 `json:"actuator_max_speed_mms,omitempty"`
	MMPerFullStep *float64 `json:"actuator_mm_per_full_step,omitempty"`

	// Approach and limits
	ApproachVelocityMMS *float64 `json:"approach_velocity_mms,omitempty"`
	ForceThreshold      *float64 `json:"force_threshold,omitempty"`
	ReturnMarginMM      *float64 `json:"return_margin_mm,omitempty"`

	// Cadences, duration strings like "20ms"
	LogInterval       *string `json:"log_interval,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
	MaxTestDuration   *string `json:"max_test_duration,omitempty"`
	HomeTimeout       *string `json:"home_timeout,omitempty"`
	StatusInterval    *string `json:"status_interval,omitempty"`

	// Sensor filter. resync_after is the run of agreeing rejected samples
	// that re-seeds the filter; 0 uses the built-in length, negative never
	// re-seeds. sensor_timeout ends a test when no sample is accepted.
	RecordRejected *bool   `json:"record_rejected,omitempty"`
	ResyncAfter    *int    `json:"resync_after,omitempty"`
	SensorTimeout  *string `json:"sensor_timeout,omitempty"`

	// Mode-specific
	Targets         []float64 `json:"targets,omitempty"`
	RetractSpeedMMS *float64  `json:"retract_speed_mms,omitempty"`
	RetractPause    *string   `json:"retract_pause,omitempty"`
	StrainDuration  *float64  `json:"strain_duration,omitempty"` // seconds
	GapSteps        *int      `json:"gap_steps,omitempty"`

	DataPath *string `json:"data_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultTestSettings returns the settings the rig ships with.
func DefaultTestSettings() *TestSettings {
	return &TestSettings{
		KP:                  ptrFloat64(0.1),
		KI:                  ptrFloat64(0.02),
		KD:                  ptrFloat64(0),
		DecayRateR:          ptrFloat64(0.1),
		A:                   ptrFloat64(0.05),
		B:                   ptrFloat64(0.01),
		C:                   ptrFloat64(3),
		D:                   ptrFloat64(0.5),
		RefGap:              ptrFloat64(0.01),
		TestDuration:        ptrFloat64(300),
		IntegralClamp:       ptrFloat64(10),
		MuteCycles:          ptrInt(100),
		UseDerivative:       ptrBool(false),
		OutputClamp:         ptrString("none"),
		StepMode:            ptrInt(4),
		MaxAccelMMSS:        ptrFloat64(20),
		MaxSpeedMMS:         ptrFloat64(5),
		MMPerFullStep:       ptrFloat64(0.01),
		ApproachVelocityMMS: ptrFloat64(-0.5),
		ForceThreshold:      ptrFloat64(0.5),
		ReturnMarginMM:      ptrFloat64(1),
		LogInterval:         ptrString("20ms"),
		HeartbeatInterval:   ptrString("100ms"),
		MaxTestDuration:     ptrString("2h"),
		HomeTimeout:         ptrString("2m"),
		StatusInterval:      ptrString("1s"),
		RecordRejected:      ptrBool(false),
		SensorTimeout:       ptrString("1s"),
		RetractSpeedMMS:     ptrFloat64(1),
		RetractPause:        ptrString("10s"),
		StrainDuration:      ptrFloat64(600),
		GapSteps:            ptrInt(20),
		DataPath:            ptrString("."),
	}
}

// LoadTestSettings loads TestSettings from a JSON file. Fields omitted from
// the file fall back to the Get* defaults, so partial files are safe.
func LoadTestSettings(path string) (*TestSettings, error) {
	s := &TestSettings{}
	if err := readJSONFile(path, s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid test settings: %w", err)
	}
	return s, nil
}

// readJSONFile applies the extension and size checks shared by every config
// file the rig reads, then decodes it into v.
func readJSONFile(path string, v interface{}) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

// Validate checks that the configured values are usable.
func (s *TestSettings) Validate() error {
	if s.DecayRateR != nil && *s.DecayRateR < 0 {
		return fmt.Errorf("decay_rate_r must be non-negative, got %f", *s.DecayRateR)
	}
	if s.RefGap != nil && *s.RefGap <= 0 {
		return fmt.Errorf("ref_gap must be positive, got %f", *s.RefGap)
	}
	if s.TestDuration != nil && *s.TestDuration <= 0 {
		return fmt.Errorf("test_duration must be positive, got %f", *s.TestDuration)
	}
	if s.IntegralClamp != nil && *s.IntegralClamp <= 0 {
		return fmt.Errorf("integral_clamp must be positive, got %f", *s.IntegralClamp)
	}
	if s.MuteCycles != nil && *s.MuteCycles < 0 {
		return fmt.Errorf("mute_cycles must be non-negative, got %d", *s.MuteCycles)
	}
	if s.OutputClamp != nil {
		switch strings.ToLower(*s.OutputClamp) {
		case "", "none", "close_only", "open_only":
		default:
			return fmt.Errorf("output_clamp must be none, close_only or open_only, got %q", *s.OutputClamp)
		}
	}
	if s.StepMode != nil && (*s.StepMode < 0 || *s.StepMode > 9) {
		return fmt.Errorf("actuator_step_mode must be between 0 and 9, got %d", *s.StepMode)
	}
	if s.MaxSpeedMMS != nil && *s.MaxSpeedMMS <= 0 {
		return fmt.Errorf("actuator_max_speed_mms must be positive, got %f", *s.MaxSpeedMMS)
	}
	if s.MaxAccelMMSS != nil && *s.MaxAccelMMSS <= 0 {
		return fmt.Errorf("actuator_max_accel_mmss must be positive, got %f", *s.MaxAccelMMSS)
	}
	if s.MMPerFullStep != nil && *s.MMPerFullStep <= 0 {
		return fmt.Errorf("actuator_mm_per_full_step must be positive, got %f", *s.MMPerFullStep)
	}
	if s.ApproachVelocityMMS != nil && *s.ApproachVelocityMMS >= 0 {
		return fmt.Errorf("approach_velocity_mms must be negative (closing), got %f", *s.ApproachVelocityMMS)
	}
	if s.GapSteps != nil && *s.GapSteps < 1 {
		return fmt.Errorf("gap_steps must be at least 1, got %d", *s.GapSteps)
	}
	for name, d := range map[string]*string{
		"log_interval":       s.LogInterval,
		"heartbeat_interval": s.HeartbeatInterval,
		"max_test_duration":  s.MaxTestDuration,
		"home_timeout":       s.HomeTimeout,
		"status_interval":    s.StatusInterval,
		"retract_pause":      s.RetractPause,
		"sensor_timeout":     s.SensorTimeout,
	} {
		if d == nil || *d == "" {
			continue
		}
		if _, err := time.ParseDuration(*d); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
	}
	return ValidateTargets(s.Targets)
}

// ValidateTargets checks that multistep targets are strictly increasing.
func ValidateTargets(targets []float64) error {
	for i := 1; i < len(targets); i++ {
		if targets[i] <= targets[i-1] {
			return fmt.Errorf("targets must be strictly increasing: %g follows %g", targets[i], targets[i-1])
		}
	}
	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (s *TestSettings) GetKP() float64         { return getFloat(s.KP, 0) }
func (s *TestSettings) GetKI() float64         { return getFloat(s.KI, 0) }
func (s *TestSettings) GetKD() float64         { return getFloat(s.KD, 0) }
func (s *TestSettings) GetDecayRateR() float64 { return getFloat(s.DecayRateR, 0) }
func (s *TestSettings) GetA() float64          { return getFloat(s.A, 0) }
func (s *TestSettings) GetB() float64          { return getFloat(s.B, 0) }
func (s *TestSettings) GetC() float64          { return getFloat(s.C, 0) }
func (s *TestSettings) GetD() float64          { return getFloat(s.D, 0) }

// GetRefGap returns the reference gap in metres. The fallback of 1 m keeps
// the gap scaling finite when the file omits it.
func (s *TestSettings) GetRefGap() float64 { return getFloat(s.RefGap, 1) }

// GetStepDuration returns how long each multistep target is held.
func (s *TestSettings) GetStepDuration() time.Duration {
	return time.Duration(getFloat(s.TestDuration, 300) * float64(time.Second))
}

func (s *TestSettings) GetIntegralClamp() float64 { return getFloat(s.IntegralClamp, 10) }

func (s *TestSettings) GetMuteCycles() int {
	if s.MuteCycles == nil {
		return 100
	}
	return *s.MuteCycles
}

func (s *TestSettings) GetUseDerivative() bool {
	if s.UseDerivative == nil {
		return false
	}
	return *s.UseDerivative
}

// GetOutputClamp returns the normalised clamp mode name.
func (s *TestSettings) GetOutputClamp() string {
	if s.OutputClamp == nil || *s.OutputClamp == "" {
		return "none"
	}
	return strings.ToLower(*s.OutputClamp)
}

func (s *TestSettings) GetStepMode() int {
	if s.StepMode == nil {
		return 4
	}
	return *s.StepMode
}

func (s *TestSettings) GetMaxAccelMMSS() float64  { return getFloat(s.MaxAccelMMSS, 20) }
func (s *TestSettings) GetMaxSpeedMMS() float64   { return getFloat(s.MaxSpeedMMS, 5) }
func (s *TestSettings) GetMMPerFullStep() float64 { return getFloat(s.MMPerFullStep, 0.01) }

func (s *TestSettings) GetApproachVelocityMMS() float64 {
	return getFloat(s.ApproachVelocityMMS, -0.5)
}

func (s *TestSettings) GetForceThreshold() float64 { return getFloat(s.ForceThreshold, 0.5) }
func (s *TestSettings) GetReturnMarginMM() float64 { return getFloat(s.ReturnMarginMM, 1) }

func (s *TestSettings) GetLogInterval() time.Duration {
	return getDuration(s.LogInterval, 20*time.Millisecond)
}

func (s *TestSettings) GetHeartbeatInterval() time.Duration {
	return getDuration(s.HeartbeatInterval, 100*time.Millisecond)
}

func (s *TestSettings) GetMaxTestDuration() time.Duration {
	return getDuration(s.MaxTestDuration, 7200*time.Second)
}

func (s *TestSettings) GetHomeTimeout() time.Duration {
	return getDuration(s.HomeTimeout, 2*time.Minute)
}

func (s *TestSettings) GetStatusInterval() time.Duration {
	return getDuration(s.StatusInterval, time.Second)
}

func (s *TestSettings) GetRecordRejected() bool {
	if s.RecordRejected == nil {
		return false
	}
	return *s.RecordRejected
}

func (s *TestSettings) GetResyncAfter() int {
	if s.ResyncAfter == nil {
		return 0
	}
	return *s.ResyncAfter
}

func (s *TestSettings) GetSensorTimeout() time.Duration {
	return getDuration(s.SensorTimeout, time.Second)
}

func (s *TestSettings) GetRetractSpeedMMS() float64 { return getFloat(s.RetractSpeedMMS, 1) }

func (s *TestSettings) GetRetractPause() time.Duration {
	return getDuration(s.RetractPause, 10*time.Second)
}

// GetStrainDuration returns the constant-strain-rate test length.
func (s *TestSettings) GetStrainDuration() time.Duration {
	return time.Duration(getFloat(s.StrainDuration, 600) * float64(time.Second))
}

func (s *TestSettings) GetGapSteps() int {
	if s.GapSteps == nil {
		return 20
	}
	return *s.GapSteps
}

// GetDataFolder returns the directory CSV files are written into.
func (s *TestSettings) GetDataFolder() string {
	base := "."
	if s.DataPath != nil && *s.DataPath != "" {
		base = *s.DataPath
	}
	return filepath.Join(base, "data")
}
