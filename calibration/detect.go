package calibration

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
)

// Corner refinement parameters.
var (
	SubPixWindow   = image.Pt(11, 11)
	SubPixZeroZone = image.Pt(-1, -1)
	SubPixCriteria = gocv.NewTermCriteria(gocv.MaxIter|gocv.EPS, 30, 0.001)
)

// DetectedCorners are sub-pixel corner positions in the raster order of Grid. Grid is the grid
// that actually matched, which is only different from the requested one when the swapped
// fallback was used.
type DetectedCorners struct {
	Grid   GridSpec
	Points []r2.Point
}

// Detector finds the internal corners of a checkerboard in grayscale frames.
type Detector struct {
	Grid GridSpec
	// AllowSwapped retries with rows and columns exchanged when the board is not found.
	AllowSwapped bool

	find cornerFinder
}

type cornerFinder func(gray gocv.Mat, grid GridSpec) (DetectedCorners, bool, error)

// Detect searches a single-channel 8-bit frame for the board. A frame without a board returns
// found == false and no error.
func (d Detector) Detect(gray gocv.Mat) (DetectedCorners, bool, error) {
	if err := d.Grid.CheckValid(); err != nil {
		return DetectedCorners{}, false, err
	}
	if gray.Empty() {
		return DetectedCorners{}, false, errors.Wrap(ErrInvalidInput, "empty frame")
	}
	if gray.Type() != gocv.MatTypeCV8UC1 {
		return DetectedCorners{}, false, errors.Wrapf(ErrInvalidInput,
			"detection needs a single channel 8-bit frame, got type %v", gray.Type())
	}
	find := d.find
	if find == nil {
		find = findCorners
	}
	corners, found, err := find(gray, d.Grid)
	if err != nil || found {
		return corners, found, err
	}
	if d.AllowSwapped && d.Grid.Rows != d.Grid.Cols {
		return find(gray, d.Grid.Swapped())
	}
	return DetectedCorners{}, false, nil
}

func findCorners(gray gocv.Mat, grid GridSpec) (DetectedCorners, bool, error) {
	corners := gocv.NewMat()
	defer utils.UncheckedErrorFunc(corners.Close)
	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage
	if !gocv.FindChessboardCorners(gray, grid.PatternSize(), &corners, flags) {
		return DetectedCorners{}, false, nil
	}
	if corners.Total() != grid.Len() {
		return DetectedCorners{}, false, errors.Errorf("expected %d corners for a %dx%d grid, found %d",
			grid.Len(), grid.Rows, grid.Cols, corners.Total())
	}
	gocv.CornerSubPix(gray, &corners, SubPixWindow, SubPixZeroZone, SubPixCriteria)

	pts := make([]r2.Point, grid.Len())
	for i := range pts {
		v := corners.GetVecfAt(i, 0)
		pts[i] = r2.Point{X: float64(v[0]), Y: float64(v[1])}
	}
	return DetectedCorners{Grid: grid, Points: pts}, true, nil
}

// Annotate returns a BGR copy of frame with the detected corners drawn on it. The caller owns
// the returned Mat.
func Annotate(frame gocv.Mat, corners DetectedCorners) gocv.Mat {
	var out gocv.Mat
	if frame.Channels() == 1 {
		out = gocv.NewMat()
		gocv.CvtColor(frame, &out, gocv.ColorGrayToBGR)
	} else {
		out = frame.Clone()
	}
	if len(corners.Points) == 0 {
		return out
	}
	pts := gocv.NewMatWithSize(len(corners.Points), 2, gocv.MatTypeCV32F)
	defer utils.UncheckedErrorFunc(pts.Close)
	for i, p := range corners.Points {
		pts.SetFloatAt(i, 0, float32(p.X))
		pts.SetFloatAt(i, 1, float32(p.Y))
	}
	gocv.DrawChessboardCorners(&out, corners.Grid.PatternSize(), pts, true)
	return out
}
