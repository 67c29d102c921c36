// Package chart renders stored weather telemetry as time series charts.
package chart

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgpdf"
	"gonum.org/v1/plot/vg/vgsvg"
)

// Render draws fig with data from r and writes the encoded image to w.
func Render(ctx context.Context, r Reader, fig Figure, w io.Writer) error {
	if err := fig.Validate(); err != nil {
		return err
	}
	format := fig.Format.withDefaults()

	grid := make([][]*plot.Plot, format.Rows)
	for i := range grid {
		grid[i] = make([]*plot.Plot, format.Columns)
		for j := range grid[i] {
			grid[i][j] = plot.New()
		}
	}
	for _, ps := range fig.Plots {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos := ps.Position - 1
		p := grid[pos/format.Columns][pos%format.Columns]
		if err := fillPlot(ctx, r, p, fig.Source, ps); err != nil {
			return err
		}
	}

	canvas, out := newCanvas(format)
	dc := draw.New(canvas)
	if fig.Title != "" {
		dc = drawTitle(dc, fig.Title)
	}
	tiles := draw.Tiles{
		Rows: format.Rows, Cols: format.Columns,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2), PadLeft: vg.Points(2), PadRight: vg.Points(6),
	}
	canvases := plot.Align(grid, tiles, dc)
	for i := range grid {
		for j := range grid[i] {
			grid[i][j].Draw(canvases[i][j])
		}
	}
	if _, err := out.WriteTo(w); err != nil {
		return fmt.Errorf("chart: encode %s: %w", format.Format, err)
	}
	return nil
}

func fillPlot(ctx context.Context, r Reader, p *plot.Plot, base DataSource, ps PlotSetting) error {
	p.Title.Text = ps.Title
	p.Add(plotter.NewGrid())

	loc := ps.TimeRange.Location()
	p.X.Min = float64(ps.TimeRange.Origin.Unix())
	p.X.Max = float64(ps.TimeRange.Destination().Unix())
	p.X.Tick.Marker = CalendarTicker{
		Mode:            ps.XAxis.Mode,
		MinorTicks:      ps.XAxis.MinorTicks,
		MinorTickValues: ps.XAxis.MinorTickValues,
		Location:        loc,
	}
	p.X.Tick.Label.Rotation = math.Pi / 6
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter
	p.Y.Label.Text = yLabel(ps.Values)

	labeled := false
	color := 0
	for _, v := range ps.Values {
		series, err := Series(ctx, r, base.Override(v.Source), []Field{v.Field}, ps.TimeRange.Shifted(v.TimeShift))
		if err != nil {
			return err
		}
		for _, s := range series {
			xys := toXYs(s.Points, v.TimeShift)
			if len(xys) == 0 {
				continue
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return fmt.Errorf("chart: line %s: %w", s.Module.ID, err)
			}
			line.Color = plotutil.Color(color)
			line.Width = vg.Points(1)
			color++
			p.Add(line)
			if v.Label != "" {
				label := v.Label
				if len(series) > 1 {
					label = fmt.Sprintf("%s (%s)", v.Label, s.Module.Name)
				}
				p.Legend.Add(label, line)
				labeled = true
			}
		}
	}
	if labeled {
		p.Legend.Top = true
	}
	return nil
}

// toXYs drops missing values and moves shifted data back onto the plotted
// range.
func toXYs(points []Point, shift time.Duration) plotter.XYs {
	xys := make(plotter.XYs, 0, len(points))
	for _, pt := range points {
		if len(pt.Values) == 0 || math.IsNaN(pt.Values[0]) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(pt.Time.Add(-shift).Unix()), Y: pt.Values[0]})
	}
	return xys
}

func yLabel(values []ValueSetting) string {
	if len(values) == 0 {
		return ""
	}
	f := values[0].Field
	for _, v := range values[1:] {
		if v.Field != f {
			return ""
		}
	}
	if u := f.Unit(); u != "" {
		return fmt.Sprintf("%s [%s]", f, u)
	}
	return string(f)
}

func drawTitle(dc draw.Canvas, title string) draw.Canvas {
	sty := plot.New().Title.TextStyle
	sty.XAlign = draw.XCenter
	sty.YAlign = draw.YTop
	pad := vg.Points(4)
	dc.FillText(sty, vg.Point{X: (dc.Min.X + dc.Max.X) / 2, Y: dc.Max.Y - pad}, title)
	return draw.Crop(dc, 0, 0, 0, -(sty.Height(title) + 2*pad))
}

func newCanvas(f FigureFormat) (vg.CanvasSizer, io.WriterTo) {
	w := vg.Length(f.Width) * vg.Inch
	h := vg.Length(f.Height) * vg.Inch
	switch f.Format {
	case FormatSVG:
		c := vgsvg.New(w, h)
		return c, c
	case FormatPDF:
		c := vgpdf.New(w, h)
		return c, c
	case FormatJPG:
		c := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(int(f.DPI)))
		return c, vgimg.JpegCanvas{Canvas: c}
	default:
		c := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(int(f.DPI)))
		return c, vgimg.PngCanvas{Canvas: c}
	}
}
