// Package serialmux turns a line-oriented serial device into a set of
// independent subscriber streams. The load-cell board prints one reading per
// line; the control engine, the debug tail and any recorder each subscribe
// without stealing lines from one another.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// DefaultSubscriberBuffer is the per-subscriber line buffer. At 80 lines/s
// this holds most of a second of readings for a subscriber that stalls.
const DefaultSubscriberBuffer = 64

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	bufSize      int
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines   atomic.Uint64
	dropped atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribers until ctx is cancelled or the port fails.
	Monitor(context.Context) error
	// ResetInput discards bytes the port has buffered but not yet read.
	ResetInput() error
	// Stats reports line and drop counters.
	Stats() Stats
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats is a point-in-time view of the mux counters.
type Stats struct {
	Lines       uint64 `json:"lines"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Option configures a SerialMux.
type Option func(*muxOptions)

type muxOptions struct {
	bufSize int
}

// WithSubscriberBuffer sets the per-subscriber channel capacity. Zero makes
// subscriber channels unbuffered, so lines are only delivered to subscribers
// blocked in a receive.
func WithSubscriberBuffer(n int) Option {
	return func(o *muxOptions) {
		if n >= 0 {
			o.bufSize = n
		}
	}
}

// NewSerialMux creates a SerialMux over an already opened port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := muxOptions{bufSize: DefaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		port:        port,
		bufSize:     o.bufSize,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, s.bufSize)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		// Closed channel so a late subscriber does not block forever.
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a command line to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// ResetInput discards unread input on ports that support it and is a no-op
// otherwise. Lines already fanned out to subscribers are not affected.
func (s *SerialMux[T]) ResetInput() error {
	if f, ok := any(s.port).(Flusher); ok {
		return f.ResetInputBuffer()
	}
	return nil
}

// Stats returns the current counters.
func (s *SerialMux[T]) Stats() Stats {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	return Stats{
		Lines:       s.lines.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: n,
	}
}

// Monitor reads lines from the port and fans them out to subscribers. A
// subscriber whose buffer is full misses the line rather than stalling the
// other subscribers.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs in its own goroutine so the select below can
	// still observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.lines.Add(1)
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes every subscriber channel and then the port. It is safe to call
// more than once.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "line and drop counters for the load cell port", func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "lines=%d dropped=%d subscribers=%d\n", st.Lines, st.Dropped, st.Subscribers)
	})

	// POST a line to the board, e.g. to open the OpenScale menu.
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-Sent Events stream of raw lines.
	debug.HandleFunc("tail", "live tail of raw load cell lines (SSE)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
