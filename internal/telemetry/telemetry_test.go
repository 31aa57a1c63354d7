package telemetry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rheometer/internal/actuator"
	"github.com/banshee-data/rheometer/internal/control"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDerivedQuantities(t *testing.T) {
	assert.InDelta(t, 0.004, GapM(-1, 5), 1e-15)

	// 1 mL under a 4 mm gap fits: the plate covers ~7.85 mL.
	vol := 1e-6
	gap := 0.004
	assert.False(t, SpreadBeyondHammer(vol, gap))
	assert.Equal(t, vol, ViscosityVolume(vol, gap))
	assert.True(t, SpreadBeyondHammer(vol, 0.0001))
	assert.InDelta(t, 0.0001*HammerArea, ViscosityVolume(vol, 0.0001), 1e-18)

	f := 0.5 // N
	wantEta := math.Abs(2 * math.Pi * math.Pow(gap, 5) * f / 3 / (vol * vol) / (-0.1 / 1000))
	assert.InDelta(t, wantEta, Viscosity(f, gap, vol, -0.1), 1e-9)
	assert.Zero(t, Viscosity(f, gap, vol, 0))
	assert.Zero(t, Viscosity(f, gap, 0, 1))

	assert.InDelta(t, f*gap/vol/math.Sqrt(3), PerfectSlipYieldStress(f, gap, vol), 1e-9)
	assert.InDelta(t, 1.5*math.Sqrt(math.Pi)*f*math.Pow(gap, 2.5)/math.Pow(vol, 1.5), NoSlipYieldStress(f, gap, vol), 1e-9)
	assert.Zero(t, PerfectSlipYieldStress(f, gap, 0))
	assert.Zero(t, NoSlipYieldStress(f, gap, -1))

	d := Derive(f, -1, 5, -0.1, vol)
	assert.InDelta(t, gap, d.GapM, 1e-15)
	assert.InDelta(t, wantEta, d.Viscosity, 1e-9)
}

func TestHeaderAndRow(t *testing.T) {
	h := Header("g", true)
	require.Len(t, h, len(baseColumns)+len(pidColumns))
	assert.Equal(t, "Current Time", h[0])
	assert.Equal(t, "Current Force (g)", h[13])
	assert.Equal(t, "Spread beyond hammer?", h[22])
	assert.Equal(t, "K_D", h[len(h)-1])
	assert.Len(t, Header("", false), len(baseColumns))

	r := Record{
		Snapshot: Snapshot{
			Time:       t0,
			Elapsed:    1500 * time.Millisecond,
			PositionMM: -1.25,
			Position:   -2000,
			Force:      3.5,
			Target:     10,
			StartGapMM: 5,
			SampleVol:  1e-6,
			Active:     true,
			Phase:      "active",
			Safety:     "ok",
			Control:    &control.ControlState{Error: 6.5, KP: 0.02},
		},
		Vars:    actuator.Variables{TargetPosition: -1600, StepMode: 4, VinMV: 12000},
		Derived: Derived{GapM: 0.00375},
	}
	row := r.Row(true)
	require.Len(t, row, len(h))
	assert.Equal(t, "1.5", row[1])
	assert.Equal(t, "-2000", row[3])
	assert.Equal(t, "-1600", row[4])
	assert.Equal(t, "0.005", row[15])
	assert.Equal(t, "True", row[21])
	assert.Equal(t, "False", row[22])
	assert.Equal(t, "6.5", row[25])

	assert.Len(t, r.Row(false), len(baseColumns))
}

func TestRollingCountAndWindow(t *testing.T) {
	r := NewRolling(4, 0)
	for i := 0; i < 6; i++ {
		r.Add(Point{Elapsed: float64(i), Force: float64(i)})
	}
	pts := r.Points()
	require.Len(t, pts, 4)
	assert.Equal(t, 2.0, pts[0].Elapsed)
	assert.Equal(t, 5.0, pts[3].Elapsed)

	r.KeepLast(2)
	assert.Equal(t, []Point{{Elapsed: 4, Force: 4}, {Elapsed: 5, Force: 5}}, r.Points())

	w := NewRolling(100, 2*time.Second)
	for i := 0; i <= 10; i++ {
		w.Add(Point{Elapsed: float64(i) * 0.5})
	}
	pts = w.Points()
	assert.Equal(t, 3.0, pts[0].Elapsed)
	assert.Equal(t, 5.0, pts[len(pts)-1].Elapsed)
}

func TestRollingForceSummary(t *testing.T) {
	r := NewRolling(10, 0)
	assert.Zero(t, r.ForceSummary(time.Second).N)
	for i, f := range []float64{100, 100, 2, 4, 6} {
		r.Add(Point{Elapsed: float64(i), Force: f})
	}
	s := r.ForceSummary(2 * time.Second)
	assert.Equal(t, 3, s.N)
	assert.InDelta(t, 4.0, s.Mean, 1e-12)
	assert.InDelta(t, 2.0, s.StdDev, 1e-12)

	all := r.ForceSummary(0)
	assert.Equal(t, 5, all.N)
}

func TestFileNames(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	base := FileBase(start, "force", "carbopol 1%", 2.4e-6)
	assert.Equal(t, "2024-03-01_09-05-07_force_carbopol-1_2mL", base)
	assert.Equal(t, base+"-data.csv", DataFileName(base))
	assert.Equal(t, filepath.Join("data", "Figures", "2024-03-01", base+"-livePlottedFigure.png"), FigurePath("data", start, base))
	assert.Contains(t, FileBase(start, "force", "", 0), "_sample_0mL")
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "run-data.csv")
	s, err := NewCSVSink(path, "g", false)
	require.NoError(t, err)

	require.NoError(t, s.Write(Record{Snapshot: Snapshot{Time: t0, Elapsed: time.Second, Force: 1}}))
	require.NoError(t, s.Write(Record{Snapshot: Snapshot{Time: t0, Elapsed: 2 * time.Second, Force: 2}}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(Record{}), os.ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header("g", false), rows[0])
	assert.Equal(t, "2", rows[2][13])

	// Never overwrite an existing run.
	_, err = NewCSVSink(path, "g", false)
	assert.Error(t, err)
}

// fullFile refuses every write, like a full disk.
type fullFile struct{ closed int }

func (f *fullFile) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }
func (f *fullFile) Close() error { f.closed++; return nil }
func (f *fullFile) Name() string { return "run-data.csv" }

func TestCSVSinkHeaderFailureClosesFile(t *testing.T) {
	f := &fullFile{}
	s, err := newCSVSink(f, "g", true)
	assert.Nil(t, s)
	assert.ErrorContains(t, err, "no space left")
	assert.ErrorContains(t, err, "run-data.csv")
	assert.Equal(t, 1, f.closed)
}

func TestWriteSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-settings.json")
	require.NoError(t, WriteSettings(path, map[string]float64{"K_P": 0.1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"K_P": 0.1`)
}

type fakeSource struct {
	mu   sync.Mutex
	snap Snapshot
}

func (f *fakeSource) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) set(s Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

type memSink struct {
	recs   []Record
	err    error
	closed int
}

func (m *memSink) Write(r Record) error {
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memSink) Close() error {
	m.closed++
	return nil
}

func TestLoggerTick(t *testing.T) {
	src := &fakeSource{}
	good := &memSink{}
	bad := &memSink{err: errors.New("disk full")}
	l := NewLogger(src, NewRolling(100, 0), Options{RunID: "run-1", KeepOnActivate: 1}, good, bad)

	src.set(Snapshot{
		Time: t0, Elapsed: 10 * time.Millisecond, PositionMM: -1, Position: -1600, StartGapMM: 5, Force: 100, Units: "g", SampleVol: 1e-6,
		Registers: actuator.Variables{MaxSpeed: 42, CurrentPosition: 999},
	})
	rec, ok := l.Tick()
	require.True(t, ok)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, uint32(42), rec.Vars.MaxSpeed)
	assert.Equal(t, int32(-1600), rec.Vars.CurrentPosition, "live position wins over polled registers")
	assert.InDelta(t, 0.004, rec.Derived.GapM, 1e-15)
	assert.InDelta(t, PerfectSlipYieldStress(0.980665, 0.004, 1e-6), rec.Derived.YieldStress, 1e-9)

	// Same instant again is not a new row.
	_, ok = l.Tick()
	assert.False(t, ok)

	src.set(Snapshot{Time: t0.Add(20 * time.Millisecond), Elapsed: 30 * time.Millisecond})
	_, ok = l.Tick()
	require.True(t, ok)

	// Activation trims the approach data.
	src.set(Snapshot{Time: t0.Add(40 * time.Millisecond), Elapsed: 50 * time.Millisecond, Active: true})
	l.Tick()
	assert.Equal(t, 2, l.Rolling().Len())

	n, failures := l.Stats()
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(3), failures)
	assert.Len(t, good.recs, 3)
	assert.Equal(t, 50*time.Millisecond, l.Latest().Elapsed)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, good.closed)
}

func TestSaveFigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Figures", "2024-03-01", "run-livePlottedFigure.png")
	assert.ErrorIs(t, SaveFigure(path, "g", nil), ErrNoData)

	var pts []Point
	for i := 0; i < 50; i++ {
		pts = append(pts, Point{Elapsed: float64(i) * 0.1, Force: float64(i), GapM: 0.005 - float64(i)*1e-5, YieldStress: float64(i) * 2})
	}
	require.NoError(t, SaveFigure(path, "g", pts))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("\x89PNG")))
}

func TestRenderChart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderChart(&buf, "test", "g", []Point{{Elapsed: 0, Force: 1}, {Elapsed: 1, Force: 2}}))
	assert.True(t, strings.Contains(buf.String(), "Force"))
}

type fakeToken struct{ mqtt.Token }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return fakeToken{}
}

func TestMQTTSinkDecimates(t *testing.T) {
	pub := &fakePublisher{}
	s := newMQTTSink(pub, "rheometer/telemetry", 3)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Write(Record{RunID: "r", Snapshot: Snapshot{Elapsed: time.Duration(i)}}))
	}
	require.Len(t, pub.payloads, 3)
	assert.Equal(t, "rheometer/telemetry", pub.topics[0])

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payloads[1], &got))
	assert.Equal(t, "r", got["run_id"])
	assert.EqualValues(t, 3, got["elapsed"])
	require.NoError(t, s.Close())
}
