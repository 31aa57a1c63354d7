package telemetry

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// RenderChart writes an HTML page with force and gap against time for the
// buffered points.
func RenderChart(w *bytes.Buffer, title, units string, pts []Point) error {
	xs := make([]float64, len(pts))
	force := make([]opts.LineData, len(pts))
	gap := make([]opts.LineData, len(pts))
	for i, p := range pts {
		xs[i] = p.Elapsed
		force[i] = opts.LineData{Value: []interface{}{p.Elapsed, p.Force}}
		gap[i] = opts.LineData{Value: []interface{}{p.Elapsed, p.GapM * 1000}}
	}

	newLine := func(name, yName string, data []opts.LineData) *charts.Line {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "360px"}),
			charts.WithTitleOpts(opts.Title{Title: name, Subtitle: fmt.Sprintf("points=%d", len(pts))}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (s)", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: yName}),
		)
		line.SetXAxis(xs).AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		return line
	}

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(
		newLine("Force", units, force),
		newLine("Gap", "mm", gap),
	)
	return page.Render(w)
}

// AttachAdminRoutes mounts the live chart under /debug/.
func (l *Logger) AttachAdminRoutes(mux *http.ServeMux, units string) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("rheometer-chart", "live force and gap chart", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := RenderChart(&buf, "Rheometer "+l.opts.RunID, units, l.rolling.Points()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	})
}
