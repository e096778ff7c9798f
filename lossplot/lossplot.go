// Package lossplot draws the loss curves of a training run.
package lossplot

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/chessEval/training"
)

// Save writes the training and validation loss of every epoch to path. The
// image format follows the extension (.png, .svg, .pdf, ...).
func Save(path string, records []training.EpochRecord) error {
	if len(records) == 0 {
		return errors.New("no epochs to plot")
	}

	trainXY := make(plotter.XYs, 0, len(records))
	validXY := make(plotter.XYs, 0, len(records))
	for _, rec := range records {
		trainXY = append(trainXY, plotter.XY{X: float64(rec.Epoch), Y: rec.TrainLoss})
		validXY = append(validXY, plotter.XY{X: float64(rec.Epoch), Y: rec.ValidationLoss})
	}

	p := plot.New()
	p.Title.Text = "Mean squared error per epoch"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "MSE"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	tl, err := plotter.NewLine(trainXY)
	if err != nil {
		return fmt.Errorf("training curve: %w", err)
	}
	tl.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	tl.Width = vg.Points(1.2)
	p.Add(tl)
	p.Legend.Add("train", tl)

	vl, err := plotter.NewLine(validXY)
	if err != nil {
		return fmt.Errorf("validation curve: %w", err)
	}
	vl.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	vl.Width = vg.Points(1.2)
	vl.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(vl)
	p.Legend.Add("validation", vl)
	p.Legend.Top = true

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
