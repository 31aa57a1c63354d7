package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// DefaultLoadCellConfigPath is where tare and calibration results are stored.
var DefaultLoadCellConfigPath = filepath.Join("LoadCell", "config.json")

// ErrNotCalibrated is returned when tare, calibration or units are missing.
var ErrNotCalibrated = errors.New("load cell has not been calibrated")

// LoadCellConfig is the calibration record written by the tare/calibration
// procedure. Only the fields the engine consumes are modelled.
type LoadCellConfig struct {
	Tare          *float64 `json:"tare,omitempty"`
	Calibration   *float64 `json:"calibration,omitempty"`
	Units         *string  `json:"units,omitempty"`
	MaxForce      *float64 `json:"max_force,omitempty"`
	LimitFraction *float64 `json:"limit_fraction,omitempty"`
	Gap           *float64 `json:"gap,omitempty"` // last measured start gap, mm
}

// LoadLoadCellConfig reads the calibration file. A missing or uncalibrated
// file is not an error here; callers check Calibrated before starting a test.
func LoadLoadCellConfig(path string) (*LoadCellConfig, error) {
	c := &LoadCellConfig{}
	if err := readJSONFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load cell config: %w", err)
	}
	return c, nil
}

// Validate checks the numeric fields that are present.
func (c *LoadCellConfig) Validate() error {
	if c.Calibration != nil && *c.Calibration == 0 {
		return errors.New("calibration must be non-zero")
	}
	if c.MaxForce != nil && *c.MaxForce <= 0 {
		return fmt.Errorf("max_force must be positive, got %f", *c.MaxForce)
	}
	if c.LimitFraction != nil && (*c.LimitFraction <= 0 || *c.LimitFraction > 1) {
		return fmt.Errorf("limit_fraction must be in (0, 1], got %f", *c.LimitFraction)
	}
	return nil
}

// Calibrated reports whether tare, calibration and units are all present.
func (c *LoadCellConfig) Calibrated() error {
	if c == nil || c.Tare == nil || c.Calibration == nil || c.Units == nil {
		return ErrNotCalibrated
	}
	return nil
}

// GetUnits returns the calibrated force unit, "g" when unset.
func (c *LoadCellConfig) GetUnits() string {
	if c.Units == nil || *c.Units == "" {
		return "g"
	}
	return *c.Units
}

func (c *LoadCellConfig) GetMaxForce() float64      { return getFloat(c.MaxForce, 100) }
func (c *LoadCellConfig) GetLimitFraction() float64 { return getFloat(c.LimitFraction, 0.8) }

// ForceLimit is the force beyond which a running test is ended.
func (c *LoadCellConfig) ForceLimit() float64 {
	return c.GetMaxForce() * c.GetLimitFraction()
}

// GetGap returns the stored start gap in mm, or 0 if none was recorded.
func (c *LoadCellConfig) GetGap() float64 { return getFloat(c.Gap, 0) }
