package actuator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/serialmux"
)

// Tic serial compact protocol command bytes.
const (
	cmdSetTargetPosition   = 0xE0
	cmdSetTargetVelocity   = 0xE3
	cmdHaltAndSetPosition  = 0xEC
	cmdResetCommandTimeout = 0x8C
	cmdDeenergize          = 0x86
	cmdEnergize            = 0x85
	cmdExitSafeStart       = 0x83
	cmdEnterSafeStart      = 0x8F
	cmdSetMaxSpeed         = 0xE6
	cmdSetMaxAccel         = 0xEA
	cmdSetMaxDecel         = 0xE9
	cmdSetStepMode         = 0x94
	cmdGetVariable         = 0xA1
)

// Offsets into the Tic variable block.
const (
	varTargetPosition  = 0x0A
	varTargetVelocity  = 0x0E
	varMaxSpeed        = 0x16
	varMaxDecel        = 0x1A
	varMaxAccel        = 0x1E
	varCurrentPosition = 0x22
	varCurrentVelocity = 0x26
	varVinVoltage      = 0x33
	varStepMode        = 0x49
)

var errNoResponse = errors.New("no response from Tic")

// Tic drives a Pololu Tic stepper controller over its TTL serial interface.
type Tic struct {
	mu    sync.Mutex
	port  serialmux.SerialPorter
	units Units
}

// NewTic wraps an already opened port. The port should have a read timeout
// so a missing reply surfaces as an error.
func NewTic(port serialmux.SerialPorter, units Units) *Tic {
	return &Tic{port: port, units: units}
}

// OpenTic opens the Tic serial device at path.
func OpenTic(path string, units Units) (*Tic, error) {
	if err := units.Validate(); err != nil {
		return nil, err
	}
	port, err := serialmux.OpenPort(path, serialmux.PortOptions{
		BaudRate:      serialmux.TicBaudRate,
		ReadTimeoutMS: 100,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLink, err)
	}
	monitoring.Logf("[tic] opened %s", path)
	return NewTic(port, units), nil
}

func (t *Tic) Units() Units { return t.units }

func (t *Tic) write(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(b)
}

func (t *Tic) writeLocked(b []byte) error {
	n, err := t.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: write 0x%02X: %v", ErrLink, b[0], err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: short write 0x%02X", ErrLink, b[0])
	}
	return nil
}

func (t *Tic) quick(cmd byte) error { return t.write([]byte{cmd}) }

func (t *Tic) write7(cmd, v byte) error { return t.write([]byte{cmd, v & 0x7F}) }

// encode32 frames a 32-bit write: the command, a byte carrying the top bit
// of each data byte, then the four data bytes with their top bit cleared.
func encode32(cmd byte, v uint32) []byte {
	return []byte{
		cmd,
		byte((v>>7)&1 | (v>>14)&2 | (v>>21)&4 | (v>>28)&8),
		byte(v & 0x7F),
		byte((v >> 8) & 0x7F),
		byte((v >> 16) & 0x7F),
		byte((v >> 24) & 0x7F),
	}
}

func (t *Tic) write32(cmd byte, v uint32) error { return t.write(encode32(cmd, v)) }

// getVariable reads n bytes of the variable block starting at offset.
func (t *Tic) getVariable(offset, n byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLocked([]byte{cmdGetVariable, offset, n}); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got := 0
	for got < len(buf) {
		m, err := t.port.Read(buf[got:])
		if err != nil {
			return nil, fmt.Errorf("%w: read variable 0x%02X: %v", ErrLink, offset, err)
		}
		if m == 0 {
			// Read timeout expired.
			return nil, fmt.Errorf("%w: read variable 0x%02X: %v", ErrLink, offset, errNoResponse)
		}
		got += m
	}
	return buf, nil
}

func (t *Tic) getInt32(offset byte) (int32, error) {
	b, err := t.getVariable(offset, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (t *Tic) SetVelocity(mms float64) error {
	return t.write32(cmdSetTargetVelocity, uint32(t.units.MMSToVel(mms)))
}

func (t *Tic) SetTargetPosition(mm float64) error {
	return t.write32(cmdSetTargetPosition, uint32(t.units.MMToSteps(mm)))
}

func (t *Tic) Position() (int32, error) { return t.getInt32(varCurrentPosition) }
func (t *Tic) Velocity() (int32, error) { return t.getInt32(varCurrentVelocity) }

func (t *Tic) Energize() error       { return t.quick(cmdEnergize) }
func (t *Tic) Deenergize() error     { return t.quick(cmdDeenergize) }
func (t *Tic) EnterSafeStart() error { return t.quick(cmdEnterSafeStart) }
func (t *Tic) ExitSafeStart() error  { return t.quick(cmdExitSafeStart) }
func (t *Tic) Heartbeat() error      { return t.quick(cmdResetCommandTimeout) }

func (t *Tic) HaltAndZero() error { return t.write32(cmdHaltAndSetPosition, 0) }

// Configure sets the step mode, the speed ceiling and symmetric
// acceleration limits.
func (t *Tic) Configure(maxSpeedMMS, maxAccelMMSS float64) error {
	if err := t.write7(cmdSetStepMode, byte(t.units.StepMode)); err != nil {
		return err
	}
	speed := t.units.MMSToVel(maxSpeedMMS)
	if speed < 0 {
		speed = -speed
	}
	if err := t.write32(cmdSetMaxSpeed, uint32(speed)); err != nil {
		return err
	}
	accel := t.units.MMSSToAccel(maxAccelMMSS)
	if err := t.write32(cmdSetMaxAccel, accel); err != nil {
		return err
	}
	return t.write32(cmdSetMaxDecel, accel)
}

// maxVariableRead is the largest block one get-variable request may return.
const maxVariableRead = 15

// readBlock reads the variable block [start, end) in as few requests as the
// protocol allows.
func (t *Tic) readBlock(start, end byte) ([]byte, error) {
	out := make([]byte, 0, int(end-start))
	for off := start; off < end; {
		n := end - off
		if n > maxVariableRead {
			n = maxVariableRead
		}
		b, err := t.getVariable(off, n)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		off += n
	}
	return out, nil
}

// Variables reads the block from target position to VIN, then the step
// mode.
func (t *Tic) Variables() (Variables, error) {
	b, err := t.readBlock(varTargetPosition, varVinVoltage+2)
	if err != nil {
		return Variables{}, err
	}
	at := func(off int) []byte { return b[off-varTargetPosition:] }
	v := Variables{
		TargetPosition:  int32(binary.LittleEndian.Uint32(at(varTargetPosition))),
		TargetVelocity:  int32(binary.LittleEndian.Uint32(at(varTargetVelocity))),
		MaxSpeed:        binary.LittleEndian.Uint32(at(varMaxSpeed)),
		MaxDecel:        binary.LittleEndian.Uint32(at(varMaxDecel)),
		MaxAccel:        binary.LittleEndian.Uint32(at(varMaxAccel)),
		CurrentPosition: int32(binary.LittleEndian.Uint32(at(varCurrentPosition))),
		CurrentVelocity: int32(binary.LittleEndian.Uint32(at(varCurrentVelocity))),
		VinMV:           binary.LittleEndian.Uint16(at(varVinVoltage)),
	}
	sm, err := t.getVariable(varStepMode, 1)
	if err != nil {
		return Variables{}, err
	}
	v.StepMode = sm[0]
	return v, nil
}

func (t *Tic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
