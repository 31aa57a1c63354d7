package serialmux

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.bug.st/serial"

	"github.com/banshee-data/rheometer/internal/monitoring"
)

// openSerial is swapped out in tests.
var openSerial = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// OpenPort opens the serial device at path. USB serial adapters regularly
// report busy for a moment after enumeration, so the open is retried with an
// exponential backoff for a few seconds before giving up.
func OpenPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	var port serial.Port
	attempts := 0
	op := func() error {
		attempts++
		p, err := openSerial(path, mode)
		if err != nil {
			if pe, ok := err.(*serial.PortError); ok && pe.Code() == serial.PortNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		port = p
		return nil
	}

	err = backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s after %d attempts: %w", path, attempts, err)
	}
	if attempts > 1 {
		monitoring.Logf("[serial] opened %s after %d attempts", path, attempts)
	}

	if timeout := opts.ReadTimeout(); timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, muxOpts ...Option) (*SerialMux[serial.Port], error) {
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux[serial.Port](port, muxOpts...), nil
}
