package loadcell

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rheometer/internal/config"
	"github.com/banshee-data/rheometer/internal/serialmux"
	"github.com/banshee-data/rheometer/internal/timeutil"
)

// sliceLink replays raw counts; a nil entry yields a malformed sample.
type sliceLink struct {
	values  []*int64
	i       int
	flushes int
}

func counts(vs ...int64) []*int64 {
	out := make([]*int64, len(vs))
	for i := range vs {
		v := vs[i]
		out[i] = &v
	}
	return out
}

func (l *sliceLink) NextRawSample(ctx context.Context) (RawSample, error) {
	if l.i >= len(l.values) {
		return RawSample{}, ErrLinkClosed
	}
	v := l.values[l.i]
	l.i++
	if v == nil {
		return RawSample{}, &SensorFault{Line: "garbage", Err: errors.New("bad")}
	}
	return RawSample{Value: *v}, nil
}

func (l *sliceLink) Flush() error {
	l.flushes++
	return nil
}

var unitCal = Calibration{Tare: 0, Scale: 1, Units: "g"}

func TestCalibrationApply(t *testing.T) {
	cal := Calibration{Tare: 1000, Scale: 20, Units: "g"}
	assert.InDelta(t, 5.0, cal.Apply(1100), 1e-12)
	assert.InDelta(t, -2.5, cal.Apply(950), 1e-12)
}

func TestCalibrationFromConfig(t *testing.T) {
	_, err := CalibrationFromConfig(&config.LoadCellConfig{})
	assert.ErrorIs(t, err, ErrCalibrationMissing)

	tare, scale, units := 812.0, -441.2, "g"
	cal, err := CalibrationFromConfig(&config.LoadCellConfig{Tare: &tare, Calibration: &scale, Units: &units})
	require.NoError(t, err)
	if diff := cmp.Diff(Calibration{Tare: tare, Scale: scale, Units: units}, cal); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}

	// An empty unit string is taken as grams.
	blank := ""
	cal, err = CalibrationFromConfig(&config.LoadCellConfig{Tare: &tare, Calibration: &scale, Units: &blank})
	require.NoError(t, err)
	assert.Equal(t, "g", cal.Units)
}

func TestNewSensorStreamRequiresCalibration(t *testing.T) {
	_, err := NewSensorStream(&sliceLink{}, Calibration{}, StreamOptions{})
	assert.ErrorIs(t, err, ErrCalibrationMissing)
}

func TestReadingHistoryRing(t *testing.T) {
	h := NewReadingHistory(3)
	assert.Equal(t, []float64{0, 0, 0}, h.Recent(3))

	h.Push(1)
	h.Push(2)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, []float64{2, 1, 0}, h.Recent(3))

	h.Push(3)
	h.Push(4)
	assert.Equal(t, []float64{4, 3, 2}, h.Recent(5))
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 2, h.CountWithin(3.5, 0.5, 3))

	h.Reset()
	assert.Equal(t, []float64{0, 0, 0}, h.Recent(3))
}

func TestStreamAcceptsWithinThreshold(t *testing.T) {
	// A slowly ramping signal that never jumps more than the threshold is
	// never rejected, including while the history is still zero-filled.
	var vals []int64
	for i := 0; i < 200; i++ {
		vals = append(vals, int64(i/4))
	}
	s, err := NewSensorStream(&sliceLink{values: counts(vals...)}, unitCal, StreamOptions{})
	require.NoError(t, err)

	for i := range vals {
		r, err := s.Next(context.Background())
		require.NoErrorf(t, err, "sample %d", i)
		assert.Equal(t, float64(vals[i]), r.Force)
	}
	assert.Equal(t, Counters{Accepted: 200}, s.Counters())
}

func TestStreamRejectsWithoutQuorum(t *testing.T) {
	seq := []int64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 40, 6}
	s, err := NewSensorStream(&sliceLink{values: counts(seq...)}, unitCal, StreamOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, ErrOutlierRejected)
	assert.True(t, IsSoft(err))
	assert.Equal(t, 5.0, s.Last().Force, "rejected sample must not replace the last reading")

	r, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, r.Force)
	assert.Equal(t, uint64(1), s.Counters().Rejected)
}

func TestStreamQuorumBoundary(t *testing.T) {
	// Five close voters is exactly the quorum, four is not.
	cases := []struct {
		name   string
		near   int
		accept bool
	}{
		{"four votes", 4, false},
		{"five votes", 5, true},
		{"ten votes", 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewSensorStream(&sliceLink{}, unitCal, StreamOptions{})
			require.NoError(t, err)
			for i := 0; i < voters-tc.near; i++ {
				s.history.Push(100)
			}
			for i := 0; i < tc.near; i++ {
				s.history.Push(50)
			}
			assert.Equal(t, tc.accept, s.Vote(60))
		})
	}
}

func TestStreamThresholdIsInclusive(t *testing.T) {
	s, err := NewSensorStream(&sliceLink{}, unitCal, StreamOptions{})
	require.NoError(t, err)
	// Zero-filled history: exactly 10 away still votes.
	assert.True(t, s.Vote(10))
	assert.False(t, s.Vote(10.001))
	assert.True(t, s.Vote(-10))
}

func TestStreamColdStartRejectsLoadedCell(t *testing.T) {
	// A cell that already carries 50 g at start is compared against a
	// zero-filled history and rejected. With accepted-only history it stays
	// rejected until the resync run length; recording rejected samples lets
	// it converge sooner.
	seq := make([]int64, 12)
	for i := range seq {
		seq[i] = 50
	}

	strict, err := NewSensorStream(&sliceLink{values: counts(seq...)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	for range seq {
		_, err := strict.Next(context.Background())
		assert.ErrorIs(t, err, ErrOutlierRejected)
	}

	lenient, err := NewSensorStream(&sliceLink{values: counts(seq...)}, unitCal, StreamOptions{RecordRejected: true})
	require.NoError(t, err)
	var firstAccepted = -1
	for i := range seq {
		if _, err := lenient.Next(context.Background()); err == nil {
			firstAccepted = i
			break
		}
	}
	// Samples 0..4 fill five slots; sample 5 is the first with five votes.
	assert.Equal(t, 5, firstAccepted)
}

func TestStreamResyncsOnHeldStep(t *testing.T) {
	// The load steps from 0 to 20 and stays there, as when the hammer meets
	// a stiff sample. The step is too large for the vote, so the stream
	// rejects it until the run of agreeing rejections is long enough.
	seq := make([]int64, 40)
	for i := range seq {
		seq[i] = 20
	}
	s, err := NewSensorStream(&sliceLink{values: counts(seq...)}, unitCal, StreamOptions{})
	require.NoError(t, err)

	first := -1
	for i := range seq {
		r, err := s.Next(context.Background())
		if err == nil {
			if first < 0 {
				first = i
			}
			assert.Equal(t, 20.0, r.Force)
			continue
		}
		assert.ErrorIs(t, err, ErrOutlierRejected)
		assert.Equal(t, -1, first, "sample %d rejected after the resync", i)
	}
	assert.Equal(t, DefaultResyncAfter-1, first)
	assert.Equal(t, Counters{Accepted: uint64(len(seq) - first), Rejected: uint64(first), Resyncs: 1}, s.Counters())
}

func TestStreamDoesNotResyncOnScatter(t *testing.T) {
	// Rejected samples that do not agree with each other are noise, not a
	// new level, however long the run.
	var seq []int64
	for i := 0; i < 60; i++ {
		seq = append(seq, int64(30*(1+i%5)))
	}
	s, err := NewSensorStream(&sliceLink{values: counts(seq...)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	for range seq {
		_, err := s.Next(context.Background())
		assert.ErrorIs(t, err, ErrOutlierRejected)
	}
	assert.Zero(t, s.Counters().Resyncs)

	held := make([]int64, 40)
	for i := range held {
		held[i] = 20
	}
	off, err := NewSensorStream(&sliceLink{values: counts(held...)}, unitCal, StreamOptions{ResyncAfter: -1})
	require.NoError(t, err)
	for range held {
		_, err := off.Next(context.Background())
		assert.ErrorIs(t, err, ErrOutlierRejected)
	}
}

func TestStreamPreloadAvoidsColdStartRejection(t *testing.T) {
	s, err := NewSensorStream(&sliceLink{values: counts(50, 51, 49)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	s.Preload(50)
	for i := 0; i < 3; i++ {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
	}
}

func TestNextAcceptedRetriesSoftErrors(t *testing.T) {
	link := &sliceLink{values: append(counts(1, 2, 3, 4, 5, 6), nil, nil)}
	link.values = append(link.values, counts(500, 7)...)
	s, err := NewSensorStream(link, unitCal, StreamOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.NextAccepted(ctx)
		require.NoError(t, err)
	}
	r, err := s.NextAccepted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, r.Force)
	assert.Equal(t, Counters{Accepted: 7, Rejected: 1, Faults: 2}, s.Counters())

	_, err = s.NextAccepted(ctx)
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.False(t, IsSoft(err))
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		line    string
		want    int64
		wantErr bool
	}{
		{"8412345,\r\n", 8412345, false},
		{"8412345,\r", 8412345, false},
		{"-12,", -12, false},
		{" 77 ,\r", 77, false},
		{"", 0, true},
		{",\r", 0, true},
		{"Readings:", 0, true},
		{"12.5,", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLine(tc.line)
		if tc.wantErr {
			var fault *SensorFault
			assert.Truef(t, errors.As(err, &fault), "ParseLine(%q) err = %v", tc.line, err)
			continue
		}
		require.NoErrorf(t, err, "ParseLine(%q)", tc.line)
		assert.Equal(t, tc.want, got)
	}
}

func TestOpenScaleLinkOverSerialMux(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	clock := timeutil.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	link := NewOpenScaleLink(mux, clock)
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Monitor(ctx)

	// Ten lines of boot noise, then readings.
	for i := 0; i < WarmUpLines; i++ {
		port.AddReadData([]byte("OpenScale\r\n"))
	}
	require.NoError(t, link.WarmUp(ctx, WarmUpLines))
	assert.Equal(t, 1, port.InputResets)

	port.AddReadData([]byte("1234,\r\nbad\r\n"))
	raw, err := link.NextRawSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), raw.Value)
	assert.Equal(t, clock.Now(), raw.At)

	_, err = link.NextRawSample(ctx)
	var fault *SensorFault
	assert.True(t, errors.As(err, &fault))

	mux.Close()
	_, err = link.NextRawSample(ctx)
	assert.ErrorIs(t, err, ErrLinkClosed)
}

func TestToNewtons(t *testing.T) {
	assert.InDelta(t, 0.0980665, ToNewtons(10, "g"), 1e-12)
	assert.InDelta(t, 0.0980665, ToNewtons(0.01, "kg"), 1e-12)
	assert.InDelta(t, 2.0, ToNewtons(2, "N"), 1e-12)
	assert.InDelta(t, 0.002, ToNewtons(2, "mN"), 1e-12)
	assert.False(t, math.IsNaN(ToNewtons(0, "")))
}

func TestCheckTare(t *testing.T) {
	s, err := NewSensorStream(&sliceLink{values: counts(0, 1, -1, 0)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	tc, err := CheckTare(context.Background(), s, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tc.N)
	assert.InDelta(t, 0, tc.Mean, 1e-12)
	assert.Greater(t, tc.StdDev, 0.0)

	loaded, err := NewSensorStream(&sliceLink{values: counts(2, 2, 3)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	tc, err = CheckTare(context.Background(), loaded, 3)
	assert.ErrorIs(t, err, ErrOutOfTare)
	assert.InDelta(t, 7.0/3, tc.Mean, 1e-12)
}

func TestCheckTareReportsDriftedCell(t *testing.T) {
	// 15 g unloaded is beyond the vote threshold of a zero-filled history.
	// The check still sees every sample and names the drift.
	values := append(counts(15, 15, 16), nil)
	link := &sliceLink{values: append(values, counts(14)...)}
	s, err := NewSensorStream(link, unitCal, StreamOptions{})
	require.NoError(t, err)

	tc, err := CheckTare(context.Background(), s, 4)
	assert.ErrorIs(t, err, ErrOutOfTare)
	assert.Contains(t, err.Error(), "15.00g")
	assert.Equal(t, 4, tc.N)
	assert.InDelta(t, 15, tc.Mean, 1e-12)
	assert.Equal(t, Counters{Faults: 1}, s.Counters(), "the vote is not involved")

	// A link that ends early reports how far the check got.
	short, err := NewSensorStream(&sliceLink{values: counts(15)}, unitCal, StreamOptions{})
	require.NoError(t, err)
	_, err = CheckTare(context.Background(), short, 4)
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.Contains(t, err.Error(), "after 1 samples")
}
