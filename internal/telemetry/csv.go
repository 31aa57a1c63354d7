package telemetry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Sink receives every record. Write must not block for long; the logger
// calls sinks in turn on its own goroutine.
type Sink interface {
	Write(Record) error
	Close() error
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// FileBase is the name shared by a run's data, settings and figure files:
// <yyyy-mm-dd_HH-MM-SS>_<mode>_<sample>_<volume>mL.
func FileBase(start time.Time, mode, sample string, volumeM3 float64) string {
	sample = strings.Trim(unsafeName.ReplaceAllString(sample, "-"), "-")
	if sample == "" {
		sample = "sample"
	}
	return fmt.Sprintf("%s_%s_%s_%dmL", start.Format("2006-01-02_15-04-05"), mode, sample, int(math.Round(volumeM3*1e6)))
}

// DataFileName is the CSV name for a run.
func DataFileName(base string) string { return base + "-data.csv" }

// FigurePath is where the end-of-test figure for a run goes: a per-day
// folder under dataDir/Figures.
func FigurePath(dataDir string, start time.Time, base string) string {
	return filepath.Join(dataDir, "Figures", start.Format("2006-01-02"), base+"-livePlottedFigure.png")
}

// dataFile is the part of *os.File a CSVSink uses.
type dataFile interface {
	io.WriteCloser
	Name() string
}

// CSVSink appends records to a delimited file. The header is written when
// the file is created.
type CSVSink struct {
	mu         sync.Mutex
	f          dataFile
	w          *csv.Writer
	includePID bool
	closed     bool
}

// NewCSVSink creates path, and any missing parent folders, and writes the
// header.
func NewCSVSink(path, units string, includePID bool) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data folder: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}
	return newCSVSink(f, units, includePID)
}

// newCSVSink writes the header to f. f is closed if that fails.
func newCSVSink(f dataFile, units string, includePID bool) (*CSVSink, error) {
	s := &CSVSink{f: f, w: csv.NewWriter(f), includePID: includePID}
	if err := s.w.Write(Header(units, includePID)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header to %s: %w", f.Name(), err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header to %s: %w", f.Name(), err)
	}
	return s, nil
}

// Path is the file being written.
func (s *CSVSink) Path() string { return s.f.Name() }

// Write appends one row and flushes it so a crash loses at most the row in
// flight.
func (s *CSVSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if err := s.w.Write(r.Row(s.includePID)); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// WriteSettings saves v as indented JSON next to the data file.
func WriteSettings(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
