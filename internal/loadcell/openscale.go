package loadcell

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

// ErrLinkClosed is returned once the underlying line source has shut down.
var ErrLinkClosed = errors.New("load cell link closed")

// WarmUpLines is how many lines the OpenScale board prints on reset before
// its readings settle.
const WarmUpLines = 10

// LineSource is the subset of serialmux.SerialMuxInterface the link needs.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	ResetInput() error
}

// OpenScaleLink reads raw counts from a SparkFun OpenScale board configured
// to print one raw reading per line, e.g. "8412345,\r\n".
type OpenScaleLink struct {
	src   LineSource
	id    string
	lines chan string
	clock timeutil.Clock
}

// NewOpenScaleLink subscribes to src. Close releases the subscription.
func NewOpenScaleLink(src LineSource, clock timeutil.Clock) *OpenScaleLink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, ch := src.Subscribe()
	return &OpenScaleLink{src: src, id: id, lines: ch, clock: clock}
}

// ParseLine extracts the raw count from one OpenScale line.
func ParseLine(line string) (int64, error) {
	s := strings.TrimRight(line, "\r\n")
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &SensorFault{Line: line, Err: errors.New("empty line")}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &SensorFault{Line: line, Err: err}
	}
	return v, nil
}

// NextRawSample blocks for the next line and parses it.
func (l *OpenScaleLink) NextRawSample(ctx context.Context) (RawSample, error) {
	select {
	case <-ctx.Done():
		return RawSample{}, ctx.Err()
	case line, ok := <-l.lines:
		if !ok {
			return RawSample{}, ErrLinkClosed
		}
		v, err := ParseLine(line)
		if err != nil {
			return RawSample{}, err
		}
		return RawSample{Value: v, At: l.clock.Now()}, nil
	}
}

// Flush discards unread input at the port and any lines already queued for
// this subscriber.
func (l *OpenScaleLink) Flush() error {
	if err := l.src.ResetInput(); err != nil {
		return fmt.Errorf("reset load cell input: %w", err)
	}
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return ErrLinkClosed
			}
		default:
			return nil
		}
	}
}

// WarmUp discards the first n lines, malformed or not, and then flushes.
func (l *OpenScaleLink) WarmUp(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-l.lines:
			if !ok {
				return ErrLinkClosed
			}
		}
	}
	monitoring.Logf("[loadcell] discarded %d warm-up lines", n)
	return l.Flush()
}

// Close unsubscribes from the line source.
func (l *OpenScaleLink) Close() {
	l.src.Unsubscribe(l.id)
}
