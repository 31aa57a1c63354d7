// Package api serves the live view of a running test and the operator's
// abort button over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/rheometer/internal/db"
	"github.com/banshee-data/rheometer/internal/httputil"
	"github.com/banshee-data/rheometer/internal/loadcell"
	"github.com/banshee-data/rheometer/internal/monitoring"
	"github.com/banshee-data/rheometer/internal/telemetry"
	"github.com/banshee-data/rheometer/internal/version"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultRecentLimit = 500
	maxRecentLimit     = 10000
	defaultRunsLimit   = 20
)

// Test is the running test as the API sees it.
type Test interface {
	Snapshot() telemetry.Snapshot
	Abort(reason string)
	Aborted() (bool, string)
}

// Options are the optional collaborators of a Server. Nil fields turn the
// matching parts of the responses off.
type Options struct {
	RunID         string
	Rolling       *telemetry.Rolling
	Counters      func() loadcell.Counters
	LoggerStats   func() (records, failures uint64)
	DB            *db.DB
	SummaryWindow time.Duration
}

// Server answers the rig API.
type Server struct {
	test Test
	opts Options
}

// NewServer returns a server over test.
func NewServer(test Test, opts Options) *Server {
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = 5 * time.Second
	}
	return &Server{test: test, opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[api] [%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/telemetry/recent", s.recentTelemetry)
	mux.HandleFunc("/api/abort", s.abort)
	mux.HandleFunc("/api/runs", s.listRuns)
	return mux
}

// Status is the body of GET /api/status.
type Status struct {
	Version      string             `json:"version"`
	RunID        string             `json:"run_id,omitempty"`
	Snapshot     telemetry.Snapshot `json:"snapshot"`
	Aborted      bool               `json:"aborted"`
	AbortReason  string             `json:"abort_reason,omitempty"`
	ForceSummary *telemetry.Summary `json:"force_summary,omitempty"`
	Sensor       *loadcell.Counters `json:"sensor,omitempty"`
	Logger       *LoggerStats       `json:"logger,omitempty"`
}

// LoggerStats counts data logger rows.
type LoggerStats struct {
	Records  uint64 `json:"records"`
	Failures uint64 `json:"failures"`
}

func (s *Server) status() Status {
	st := Status{Version: version.String(), RunID: s.opts.RunID, Snapshot: s.test.Snapshot()}
	st.Aborted, st.AbortReason = s.test.Aborted()
	if s.opts.Rolling != nil {
		sum := s.opts.Rolling.ForceSummary(s.opts.SummaryWindow)
		st.ForceSummary = &sum
	}
	if s.opts.Counters != nil {
		c := s.opts.Counters()
		st.Sensor = &c
	}
	if s.opts.LoggerStats != nil {
		n, f := s.opts.LoggerStats()
		st.Logger = &LoggerStats{Records: n, Failures: f}
	}
	return st
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.status())
}

func parseLimit(r *http.Request, def, max int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

// recentTelemetry returns the rolling buffers, or with source=db the last
// rows of this run from the database.
func (s *Server) recentTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, ok := parseLimit(r, defaultRecentLimit, maxRecentLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}

	switch src := r.URL.Query().Get("source"); src {
	case "", "rolling":
		if s.opts.Rolling == nil {
			httputil.NotFound(w, "no rolling buffer")
			return
		}
		pts := s.opts.Rolling.Points()
		if len(pts) > limit {
			pts = pts[len(pts)-limit:]
		}
		httputil.WriteJSONOK(w, map[string]interface{}{"points": pts})
	case "db":
		if s.opts.DB == nil || s.opts.RunID == "" {
			httputil.NotFound(w, "no telemetry database")
			return
		}
		rows, err := s.opts.DB.RecentTelemetry(s.opts.RunID, limit)
		if err != nil {
			httputil.InternalServerError(w, "failed to read telemetry: "+err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{"rows": rows})
	default:
		httputil.BadRequest(w, "unknown source "+strconv.Quote(src))
	}
}

// AbortRequest is the optional body of POST /api/abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req AbortRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "abort requested over HTTP"
	}
	monitoring.Logf("[api] abort requested from %s: %s", r.RemoteAddr, req.Reason)
	s.test.Abort(req.Reason)
	aborted, reason := s.test.Aborted()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"aborted": aborted,
		"reason":  reason,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.DB == nil {
		httputil.NotFound(w, "no telemetry database")
		return
	}
	limit, ok := parseLimit(r, defaultRunsLimit, maxRecentLimit)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	runs, err := s.opts.DB.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list runs: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, runs)
}
