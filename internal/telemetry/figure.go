package telemetry

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ErrNoData is returned when there is too little data to draw.
var ErrNoData = errors.New("not enough telemetry to plot")

var (
	forceColour = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	gapColour   = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
	yieldColour = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
)

// SaveFigure draws force, gap and yield stress against time, stacked, and
// writes a PNG to path.
func SaveFigure(path, units string, pts []Point) error {
	if len(pts) < 2 {
		return ErrNoData
	}
	force := make(plotter.XYs, len(pts))
	gap := make(plotter.XYs, len(pts))
	yield := make(plotter.XYs, len(pts))
	for i, p := range pts {
		force[i] = plotter.XY{X: p.Elapsed, Y: p.Force}
		gap[i] = plotter.XY{X: p.Elapsed, Y: p.GapM * 1000}
		yield[i] = plotter.XY{X: p.Elapsed, Y: p.YieldStress}
	}

	panels := []struct {
		label string
		data  plotter.XYs
		c     color.Color
	}{
		{fmt.Sprintf("Force (%s)", units), force, forceColour},
		{"Gap (mm)", gap, gapColour},
		{"Yield stress (Pa)", yield, yieldColour},
	}

	plots := make([][]*plot.Plot, len(panels))
	for i, panel := range panels {
		p := plot.New()
		p.Y.Label.Text = panel.label
		if i == len(panels)-1 {
			p.X.Label.Text = "Time (s)"
		}
		line, err := plotter.NewLine(panel.data)
		if err != nil {
			return fmt.Errorf("plot %s: %w", panel.label, err)
		}
		line.Color = panel.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Add(plotter.NewGrid())
		plots[i] = []*plot.Plot{p}
	}
	plots[0][0].Title.Text = filepath.Base(path)

	img := vgimg.New(10*vg.Inch, 9*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(panels), Cols: 1, PadY: vg.Points(6)}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create figure folder: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write figure: %w", err)
	}
	return f.Close()
}
