package report

import (
	"context"
	"fmt"
	"html"
	"io"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/exporter"
	"github.com/LabKey/platform-sub050/internal/query"
	"github.com/LabKey/platform-sub050/internal/script"
)

// Chart kinds
const (
	ChartLine    = "line"
	ChartScatter = "scatter"
)

const (
	defaultChartWidth  = 640
	defaultChartHeight = 400
	chartMargin        = 40
)

var seriesColors = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd"}

// ChartReport plots one or more Y columns against an X column as SVG
type ChartReport struct {
	baseReport
}

// Render implements Report
func (r *ChartReport) Render(ctx context.Context, rc *RunContext) ([]script.View, error) {
	res, err := r.GenerateResultSet(ctx, rc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperrors.NewAppError(apperrors.ErrTypeValidation, "chart report requires a schema and query", nil)
	}
	svg, err := r.SVG(res)
	if err != nil {
		return nil, err
	}
	return []script.View{script.ViewFunc(func(w io.Writer) error {
		_, err := io.WriteString(w, svg)
		return err
	})}, nil
}

type point struct{ x, y float64 }

// SVG draws the chart for a result set
func (r *ChartReport) SVG(res *query.Result) (string, error) {
	xCol := r.desc.Get(PropColumnX)
	yCols := r.desc.GetList(PropColumnsY)
	if xCol == "" || len(yCols) == 0 {
		return "", apperrors.NewAppError(apperrors.ErrTypeValidation, "chart requires an X column and at least one Y column", nil)
	}
	xi := res.ColumnIndex(xCol)
	if xi < 0 {
		return "", apperrors.NewAppError(apperrors.ErrTypeValidation, fmt.Sprintf("unknown X column %q", xCol), nil)
	}

	series := make([][]point, len(yCols))
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for s, yCol := range yCols {
		yi := res.ColumnIndex(yCol)
		if yi < 0 {
			return "", apperrors.NewAppError(apperrors.ErrTypeValidation, fmt.Sprintf("unknown Y column %q", yCol), nil)
		}
		for _, row := range res.Rows {
			if xi >= len(row) || yi >= len(row) {
				continue
			}
			x, errX := strconv.ParseFloat(exporter.FormatValue(row[xi]), 64)
			y, errY := strconv.ParseFloat(exporter.FormatValue(row[yi]), 64)
			if errX != nil || errY != nil {
				continue
			}
			series[s] = append(series[s], point{x, y})
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
	}

	width := intProp(r.desc.Get(PropWidth), defaultChartWidth)
	height := intProp(r.desc.Get(PropHeight), defaultChartHeight)
	kind := r.desc.Get(PropChartType)
	if kind == "" {
		kind = ChartLine
	}

	if maxX == minX {
		minX, maxX = minX-1, maxX+1
	}
	if maxY == minY {
		minY, maxY = minY-1, maxY+1
	}
	sx := func(x float64) float64 {
		return chartMargin + (x-minX)/(maxX-minX)*float64(width-2*chartMargin)
	}
	sy := func(y float64) float64 {
		return float64(height-chartMargin) - (y-minY)/(maxY-minY)*float64(height-2*chartMargin)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" class="labkey-chart" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n", width, height, width, height)
	if title := r.desc.ReportName(); title != "" {
		fmt.Fprintf(&b, `<text x="%d" y="20" text-anchor="middle">%s</text>`+"\n", width/2, html.EscapeString(title))
	}
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n", chartMargin, height-chartMargin, width-chartMargin, height-chartMargin)
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n", chartMargin, chartMargin, chartMargin, height-chartMargin)
	fmt.Fprintf(&b, `<text x="%d" y="%d" text-anchor="middle">%s</text>`+"\n", width/2, height-8, html.EscapeString(xCol))

	for s, pts := range series {
		if len(pts) == 0 {
			continue
		}
		color := seriesColors[s%len(seriesColors)]
		if kind == ChartLine {
			coords := make([]string, len(pts))
			for i, p := range pts {
				coords[i] = fmt.Sprintf("%.1f,%.1f", sx(p.x), sy(p.y))
			}
			fmt.Fprintf(&b, `<polyline class="series" data-column="%s" fill="none" stroke="%s" points="%s"/>`+"\n",
				html.EscapeString(yCols[s]), color, strings.Join(coords, " "))
		}
		for _, p := range pts {
			fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="3" fill="%s"/>`+"\n", sx(p.x), sy(p.y), color)
		}
	}
	b.WriteString("</svg>\n")
	return b.String(), nil
}

func intProp(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil && n > 2*chartMargin {
		return n
	}
	return def
}
