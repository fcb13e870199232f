package calibration

import (
	"fmt"
	"image/color"
	"os"
	"strconv"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/camcalib/rimage/imagesource"
)

// ErrorSummary condenses the per-frame reprojection errors of a result.
type ErrorSummary struct {
	Frames int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	// Worst is the source frame index with the largest error.
	Worst int
}

// Summarize computes an ErrorSummary.
func Summarize(res Result) (ErrorSummary, error) {
	data := stats.Float64Data(res.PerFrameErrors)
	if data.Len() == 0 {
		return ErrorSummary{}, errors.New("result has no per-frame errors")
	}
	sum := ErrorSummary{Frames: data.Len(), Mean: res.MeanReprojError}
	var err error
	if sum.Median, err = data.Median(); err != nil {
		return ErrorSummary{}, err
	}
	if sum.Min, err = data.Min(); err != nil {
		return ErrorSummary{}, err
	}
	if sum.Max, err = data.Max(); err != nil {
		return ErrorSummary{}, err
	}
	for i, e := range res.PerFrameErrors {
		if e == sum.Max && i < len(res.FrameIndices) {
			sum.Worst = res.FrameIndices[i]
			break
		}
	}
	return sum, nil
}

// WriteReprojectionPlot draws the per-frame errors of res as a bar chart, with the mean as a
// horizontal line, and saves it to path. The image format follows the extension of path.
func WriteReprojectionPlot(res Result, path string) error {
	if len(res.PerFrameErrors) == 0 {
		return errors.New("result has no per-frame errors to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Reprojection error per frame (RMS %.4f px)", res.ReprojErrorRMS)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Error (px)"

	bars, err := plotter.NewBarChart(plotter.Values(res.PerFrameErrors), vg.Points(4))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 60, G: 110, B: 200, A: 255}
	bars.LineStyle.Width = 0
	p.Add(bars)

	mean, err := plotter.NewLine(plotter.XYs{
		{X: -0.5, Y: res.MeanReprojError},
		{X: float64(len(res.PerFrameErrors)) - 0.5, Y: res.MeanReprojError},
	})
	if err != nil {
		return err
	}
	mean.Color = color.RGBA{R: 220, A: 255}
	mean.Width = vg.Points(1)
	p.Add(mean)
	p.Legend.Add("mean", mean)
	p.Legend.Top = true

	labels := make([]string, len(res.FrameIndices))
	for i, idx := range res.FrameIndices {
		labels[i] = strconv.Itoa(idx)
	}
	if len(labels) <= 40 {
		p.NominalX(labels...)
	}

	width := vg.Length(len(res.PerFrameErrors))*vg.Points(8) + 2*vg.Inch
	width = max(width, 6*vg.Inch)
	tmp := imagesource.PartPath(path)
	if err := p.Save(width, 4*vg.Inch, tmp); err != nil {
		return errors.Wrapf(err, "saving plot %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return multierr.Combine(errors.Wrapf(err, "finalizing plot %q", path), removeIfExists(tmp))
	}
	return nil
}
