package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/telemetry"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// DB is the append-only run and telemetry store.
type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_pragma=foreign_keys(ON)"

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file:"+path+pragmas)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run is one test run.
type Run struct {
	ID           string     `json:"run_id"`
	Mode         string     `json:"mode"`
	Sample       string     `json:"sample"`
	SampleVolume float64    `json:"sample_volume_m3"`
	Units        string     `json:"units"`
	StartGapMM   float64    `json:"start_gap_mm"`
	ForceLimit   float64    `json:"force_limit"`
	DataFile     string     `json:"data_file"`
	Settings     any        `json:"-"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outcome      string     `json:"outcome"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

// StartRun inserts a new run row.
func (db *DB) StartRun(r Run) error {
	settings := []byte("{}")
	if r.Settings != nil {
		b, err := json.Marshal(r.Settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		settings = b
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO runs (run_id, mode, sample, sample_volume, units, start_gap_mm, force_limit, data_file, settings_json, started_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, r.Sample, r.SampleVolume, r.Units, r.StartGapMM, r.ForceLimit, r.DataFile, string(settings), unixSeconds(r.StartedAt))
	if err != nil {
		return fmt.Errorf("start run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stamps the end time and outcome of a run.
func (db *DB) FinishRun(id, outcome string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET finished_unix = ?, outcome = ? WHERE run_id = ?`, unixSeconds(at), outcome, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// Runs lists the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, mode, sample, sample_volume, units, start_gap_mm, force_limit, data_file, started_unix, finished_unix, outcome
		FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  float64
			finished sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Sample, &r.SampleVolume, &r.Units, &r.StartGapMM, &r.ForceLimit, &r.DataFile, &started, &finished, &r.Outcome); err != nil {
			return nil, err
		}
		r.StartedAt = fromUnixSeconds(started)
		if finished.Valid {
			t := fromUnixSeconds(finished.Float64)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TelemetryRow is the queryable part of a stored record.
type TelemetryRow struct {
	RunID       string    `json:"run_id"`
	Time        time.Time `json:"time"`
	ElapsedS    float64   `json:"elapsed_s"`
	PositionMM  float64   `json:"position_mm"`
	VelocityMMS float64   `json:"velocity_mms"`
	Force       float64   `json:"force"`
	Target      float64   `json:"target"`
	GapM        float64   `json:"gap_m"`
	Viscosity   float64   `json:"viscosity"`
	YieldStress float64   `json:"yield_stress"`
	Phase       string    `json:"phase"`
	Active      bool      `json:"active"`
	Safety      string    `json:"safety"`
	Step        int       `json:"step"`
}

// RecentTelemetry returns up to limit rows of a run, oldest first.
func (db *DB) RecentTelemetry(runID string, limit int) ([]TelemetryRow, error) {
	rows, err := db.Query(`
		SELECT run_id, ts_unix, elapsed_s, position_mm, velocity_mms, force, target, gap_m, viscosity, yield_stress, phase, active, safety, step
		FROM (
			SELECT * FROM telemetry WHERE run_id = ? ORDER BY elapsed_s DESC LIMIT ?
		) ORDER BY elapsed_s ASC`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var (
			r  TelemetryRow
			ts float64
		)
		if err := rows.Scan(&r.RunID, &ts, &r.ElapsedS, &r.PositionMM, &r.VelocityMMS, &r.Force, &r.Target,
			&r.GapM, &r.Viscosity, &r.YieldStress, &r.Phase, &r.Active, &r.Safety, &r.Step); err != nil {
			return nil, err
		}
		r.Time = fromUnixSeconds(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TelemetrySink appends logger records to the telemetry table. Rows are
// never updated.
type TelemetrySink struct {
	db   *DB
	stmt *sql.Stmt
}

var _ telemetry.Sink = (*TelemetrySink)(nil)

// TelemetrySink prepares the insert used for every record.
func (db *DB) TelemetrySink() (*TelemetrySink, error) {
	stmt, err := db.Prepare(`
		INSERT INTO telemetry (run_id, ts_unix, elapsed_s, position_mm, velocity_mms, force, target, gap_m, viscosity, yield_stress, phase, active, safety, step, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare telemetry insert: %w", err)
	}
	return &TelemetrySink{db: db, stmt: stmt}, nil
}

func (s *TelemetrySink) Write(r telemetry.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.stmt.Exec(r.RunID, unixSeconds(r.Time), r.Elapsed.Seconds(), r.PositionMM, r.VelocityMMS,
		r.Force, r.Target, r.Derived.GapM, r.Derived.Viscosity, r.Derived.YieldStress,
		r.Phase, r.Active, r.Safety, r.Step, string(payload))
	return err
}

// Close releases the prepared statement. The database stays open.
func (s *TelemetrySink) Close() error {
	return s.stmt.Close()
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Rheometer DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a gzipped backup of the database now", http.HandlerFunc(db.handleBackup))
	return nil
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("rheometer-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("[db] failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("[db] backup stream failed: %v", err)
	}
}
