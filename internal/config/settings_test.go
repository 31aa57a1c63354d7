package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultTestSettingsValidate(t *testing.T) {
	cfg := DefaultTestSettings()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default settings failed validation: %v", err)
	}
	if cfg.GetIntegralClamp() != 10 {
		t.Errorf("GetIntegralClamp() = %f, want 10", cfg.GetIntegralClamp())
	}
	if cfg.GetMuteCycles() != 100 {
		t.Errorf("GetMuteCycles() = %d, want 100", cfg.GetMuteCycles())
	}
	if cfg.GetLogInterval() != 20*time.Millisecond {
		t.Errorf("GetLogInterval() = %v, want 20ms", cfg.GetLogInterval())
	}
	if cfg.GetMaxTestDuration() != 7200*time.Second {
		t.Errorf("GetMaxTestDuration() = %v, want 2h", cfg.GetMaxTestDuration())
	}
}

func TestLoadTestSettings(t *testing.T) {
	// Keys from the rig's historical settings file plus one newer key.
	path := writeFile(t, "test_settings.json", `{
  "K_P": 0.2,
  "K_I": 0.05,
  "K_D": 0.001,
  "decay_rate_r": 0.3,
  "a": 0.08, "b": 0.02, "c": 4, "d": 0.25,
  "ref_gap": 0.012,
  "test_duration": 120,
  "actuator_step_mode": 3,
  "actuator_max_accel_mmss": 15,
  "actuator_max_speed_mms": 4,
  "targets": [5, 10, 20],
  "data_path": "/tmp/rheo",
  "output_clamp": "close_only"
}`)

	cfg, err := LoadTestSettings(path)
	if err != nil {
		t.Fatalf("LoadTestSettings failed: %v", err)
	}
	if cfg.GetKP() != 0.2 || cfg.GetKI() != 0.05 || cfg.GetKD() != 0.001 {
		t.Errorf("gains = %v %v %v", cfg.GetKP(), cfg.GetKI(), cfg.GetKD())
	}
	if cfg.GetStepDuration() != 120*time.Second {
		t.Errorf("GetStepDuration() = %v, want 2m", cfg.GetStepDuration())
	}
	if cfg.GetStepMode() != 3 {
		t.Errorf("GetStepMode() = %d, want 3", cfg.GetStepMode())
	}
	if cfg.GetOutputClamp() != "close_only" {
		t.Errorf("GetOutputClamp() = %q", cfg.GetOutputClamp())
	}
	if got := cfg.GetDataFolder(); got != filepath.Join("/tmp/rheo", "data") {
		t.Errorf("GetDataFolder() = %q", got)
	}
	if len(cfg.Targets) != 3 {
		t.Errorf("Targets = %v", cfg.Targets)
	}
	// Omitted keys fall back to defaults.
	if cfg.GetForceThreshold() != 0.5 {
		t.Errorf("GetForceThreshold() = %f, want 0.5", cfg.GetForceThreshold())
	}
	if cfg.GetHeartbeatInterval() != 100*time.Millisecond {
		t.Errorf("GetHeartbeatInterval() = %v", cfg.GetHeartbeatInterval())
	}
}

func TestLoadTestSettingsErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"not json ext", "settings.yaml", `{}`, ".json extension"},
		{"bad json", "s.json", `{`, "failed to parse"},
		{"negative decay", "s.json", `{"decay_rate_r": -0.5}`, "decay_rate_r"},
		{"zero ref gap", "s.json", `{"ref_gap": 0}`, "ref_gap"},
		{"bad clamp", "s.json", `{"output_clamp": "sideways"}`, "output_clamp"},
		{"bad duration", "s.json", `{"log_interval": "soon"}`, "log_interval"},
		{"bad sensor timeout", "s.json", `{"sensor_timeout": "a while"}`, "sensor_timeout"},
		{"opening approach", "s.json", `{"approach_velocity_mms": 0.5}`, "approach_velocity_mms"},
		{"non-increasing targets", "s.json", `{"targets": [5, 5]}`, "strictly increasing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := LoadTestSettings(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTestSettingsMissing(t *testing.T) {
	if _, err := LoadTestSettings(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadTestSettingsRejectsLargeFile(t *testing.T) {
	big := `{"data_path": "` + strings.Repeat("x", 1024*1024+1) + `"}`
	path := writeFile(t, "big.json", big)
	_, err := LoadTestSettings(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestGetterDefaultsOnEmpty(t *testing.T) {
	cfg := &TestSettings{}
	if cfg.GetRefGap() != 1 {
		t.Errorf("GetRefGap() = %f, want 1", cfg.GetRefGap())
	}
	if cfg.GetOutputClamp() != "none" {
		t.Errorf("GetOutputClamp() = %q, want none", cfg.GetOutputClamp())
	}
	if cfg.GetApproachVelocityMMS() != -0.5 {
		t.Errorf("GetApproachVelocityMMS() = %f", cfg.GetApproachVelocityMMS())
	}
	if cfg.GetDataFolder() != "data" {
		t.Errorf("GetDataFolder() = %q, want data", cfg.GetDataFolder())
	}
	if cfg.GetSensorTimeout() != time.Second {
		t.Errorf("GetSensorTimeout() = %v, want 1s", cfg.GetSensorTimeout())
	}
	if cfg.GetResyncAfter() != 0 {
		t.Errorf("GetResyncAfter() = %d, want 0", cfg.GetResyncAfter())
	}
	if DefaultSettingsPath != "test_settings.json" {
		t.Errorf("DefaultSettingsPath = %q", DefaultSettingsPath)
	}
	bad := "later"
	cfg.HomeTimeout = &bad
	if cfg.GetHomeTimeout() != 2*time.Minute {
		t.Errorf("unparseable duration should fall back, got %v", cfg.GetHomeTimeout())
	}
}

func TestLoadCellConfig(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "tare": 84123.5,
  "calibration": 412.7,
  "units": "g",
  "max_force": 500,
  "limit_fraction": 0.5
}`)
	c, err := LoadLoadCellConfig(path)
	if err != nil {
		t.Fatalf("LoadLoadCellConfig failed: %v", err)
	}
	if err := c.Calibrated(); err != nil {
		t.Errorf("Calibrated() = %v", err)
	}
	if c.ForceLimit() != 250 {
		t.Errorf("ForceLimit() = %f, want 250", c.ForceLimit())
	}
}

func TestLoadCellConfigUncalibrated(t *testing.T) {
	path := writeFile(t, "config.json", `{"max_force": 100}`)
	c, err := LoadLoadCellConfig(path)
	if err != nil {
		t.Fatalf("LoadLoadCellConfig failed: %v", err)
	}
	if !errors.Is(c.Calibrated(), ErrNotCalibrated) {
		t.Errorf("Calibrated() = %v, want ErrNotCalibrated", c.Calibrated())
	}
	// limit_fraction defaults to 0.8
	if c.ForceLimit() != 80 {
		t.Errorf("ForceLimit() = %f, want 80", c.ForceLimit())
	}
	var nilCfg *LoadCellConfig
	if !errors.Is(nilCfg.Calibrated(), ErrNotCalibrated) {
		t.Error("nil config should report ErrNotCalibrated")
	}
}

func TestLoadCellConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero calibration", `{"calibration": 0}`},
		{"negative max force", `{"max_force": -1}`},
		{"fraction above one", `{"limit_fraction": 1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.json", tt.body)
			if _, err := LoadLoadCellConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
