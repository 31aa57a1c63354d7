package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// go.bug.st/serial ports satisfy it; request/response devices need it so a
// missing reply cannot block the caller forever.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// Flusher is implemented by ports that can discard unread input.
type Flusher interface {
	ResetInputBuffer() error
}
