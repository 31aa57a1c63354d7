package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// LinePort is a SerialPorter that emits the lines produced by a generator at
// a fixed interval. It stands in for the load-cell board in dev mode.
type LinePort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

// NewLinePort starts emitting next() every interval until Close is called.
// A newline is appended to each generated line if missing.
func NewLinePort(next func() string, interval time.Duration) *LinePort {
	r, w := io.Pipe()
	p := &LinePort{r: r, w: w, done: make(chan struct{})}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				line := next()
				if len(line) == 0 || line[len(line)-1] != '\n' {
					line += "\n"
				}
				if _, err := w.Write([]byte(line)); err != nil {
					return
				}
			}
		}
	}()
	return p
}

func (p *LinePort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write records what was sent so dev-mode commands can be inspected.
func (p *LinePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything written to the port so far.
func (p *LinePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *LinePort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout. When set and no data is
	// buffered, Read waits at most this long and returns 0, nil like a real
	// port whose timeout expired.
	ReadTimeout time.Duration

	// InputResets counts ResetInputBuffer calls
	InputResets int

	// OnWrite, if set, is called with each write after it is recorded. It
	// runs without the port lock held so it may call AddReadData.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing. Reads
// block until data is added or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, blocking while it is empty.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadBuffer.Len() == 0 && t.ReadTimeout > 0 && !t.Closed {
		deadline := time.Now().Add(t.ReadTimeout)
		timer := time.AfterFunc(t.ReadTimeout, func() {
			t.mu.Lock()
			t.readCond.Broadcast()
			t.mu.Unlock()
		})
		defer timer.Stop()
		for !t.Closed && t.ReadBuffer.Len() == 0 && time.Now().Before(deadline) {
			t.readCond.Wait()
		}
		if t.ReadBuffer.Len() == 0 && !t.Closed {
			return 0, nil
		}
	}

	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally failing.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, err = t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements Flusher by discarding buffered read data.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.InputResets++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// ResetWritten clears the captured writes.
func (t *TestableSerialPort) ResetWritten() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteBuffer.Reset()
}
