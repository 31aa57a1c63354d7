package serialmux

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Baud rates of the two devices on the rig.
const (
	OpenScaleBaudRate = 115200
	TicBaudRate       = 9600
)

// PortOptions describes the serial connection parameters used when opening a
// real serial port.
type PortOptions struct {
	BaudRate      int    `json:"baud_rate"`
	DataBits      int    `json:"data_bits"`
	StopBits      int    `json:"stop_bits"`
	Parity        string `json:"parity"`
	ReadTimeoutMS int    `json:"read_timeout_ms"`
}

// Normalize validates the options and applies defaults for any unset values.
// The default baud rate is the OpenScale board's.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = OpenScaleBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	if opts.ReadTimeoutMS < 0 {
		return opts, fmt.Errorf("invalid read timeout %dms: must not be negative", opts.ReadTimeoutMS)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// ReadTimeout returns the configured read timeout; zero means block forever.
func (o PortOptions) ReadTimeout() time.Duration {
	return time.Duration(o.ReadTimeoutMS) * time.Millisecond
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	// serial.StopBits is an enum, not a count.
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}
