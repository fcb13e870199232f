package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
)

// calibRationalModel is OpenCV's CALIB_RATIONAL_MODEL. gocv's CalibFlag constants carry the
// fisheye values, so the pinhole flag is spelled out.
const calibRationalModel = 1 << 14

// MinViewPoints is the fewest correspondences a single view may have.
const MinViewPoints = 4

// collinearTolerance is the smallest spread, in pixels, of a view's image points away from the
// line through its two farthest points.
const collinearTolerance = 1e-3

// SolveOptions configures the solver.
type SolveOptions struct {
	// RationalModel fits eight distortion coefficients instead of five.
	RationalModel bool
}

func (o SolveOptions) distCoeffCount() int {
	if o.RationalModel {
		return 8
	}
	return 5
}

// Solve fits one camera model to every view of the set and scores it. Sets that cannot be
// solved are reported as ErrNumericalFailure before the solver runs.
func Solve(set CorrespondenceSet, opts SolveOptions) (Result, error) {
	if err := checkSolvable(set, opts); err != nil {
		return Result{}, err
	}

	objectPoints := gocv.NewPoints3fVector()
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVector()
	defer imagePoints.Close()
	for _, view := range set.Views {
		obj := make([]gocv.Point3f, len(view.Object))
		for i, p := range view.Object {
			obj[i] = gocv.Point3f{X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z)}
		}
		img := make([]gocv.Point2f, len(view.Image))
		for i, p := range view.Image {
			img[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
		objVec := gocv.NewPoint3fVectorFromPoints(obj)
		objectPoints.Append(objVec)
		objVec.Close()
		imgVec := gocv.NewPoint2fVectorFromPoints(img)
		imagePoints.Append(imgVec)
		imgVec.Close()
	}

	cameraMatrix := gocv.NewMat()
	defer utils.UncheckedErrorFunc(cameraMatrix.Close)
	distCoeffs := gocv.NewMat()
	defer utils.UncheckedErrorFunc(distCoeffs.Close)
	rvecs := gocv.NewMat()
	defer utils.UncheckedErrorFunc(rvecs.Close)
	tvecs := gocv.NewMat()
	defer utils.UncheckedErrorFunc(tvecs.Close)

	var flags gocv.CalibFlag
	if opts.RationalModel {
		flags = calibRationalModel
	}
	rms := gocv.CalibrateCamera(objectPoints, imagePoints, set.ImageSize,
		&cameraMatrix, &distCoeffs, &rvecs, &tvecs, flags)

	res := Result{
		ReprojErrorRMS: rms,
		ImageSize:      set.ImageSize,
		Grid:           set.usedGrid(),
		FrameIndices:   make([]int, len(set.Views)),
	}
	for i, view := range set.Views {
		res.FrameIndices[i] = view.FrameIndex
	}
	if cameraMatrix.Rows() != 3 || cameraMatrix.Cols() != 3 {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned a %dx%d camera matrix",
			cameraMatrix.Rows(), cameraMatrix.Cols())
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			res.CameraMatrix[r][c] = cameraMatrix.GetDoubleAt(r, c)
		}
	}
	if res.DistCoeffs = readVector(distCoeffs); len(res.DistCoeffs) < opts.distCoeffCount() {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned %d distortion coefficients, expected %d",
			len(res.DistCoeffs), opts.distCoeffCount())
	}
	res.DistCoeffs = res.DistCoeffs[:opts.distCoeffCount()]
	if res.RotationVecs = readVectors(rvecs); len(res.RotationVecs) != len(set.Views) {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned %d rotations for %d views",
			len(res.RotationVecs), len(set.Views))
	}
	if res.TranslationVecs = readVectors(tvecs); len(res.TranslationVecs) != len(set.Views) {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned %d translations for %d views",
			len(res.TranslationVecs), len(set.Views))
	}
	if math.IsNaN(rms) || math.IsInf(rms, 0) || rms < 0 {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned RMS error %v", rms)
	}
	if res.CameraMatrix[0][0] <= 0 || res.CameraMatrix[1][1] <= 0 {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "solver returned focal lengths %v, %v",
			res.CameraMatrix[0][0], res.CameraMatrix[1][1])
	}

	errs, err := PerFrameErrors(set, res)
	if err != nil {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "scoring: %v", err)
	}
	res.PerFrameErrors = errs
	if res.MeanReprojError, err = MeanError(errs); err != nil {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "scoring: %v", err)
	}
	if err := res.CheckValid(); err != nil {
		return Result{}, errors.Wrapf(ErrNumericalFailure, "%v", err)
	}
	return res, nil
}

// PerFrameErrors projects every view's object points through the solved model and pose and
// returns, per view, the L2 norm of the pixel residuals divided by the number of points.
func PerFrameErrors(set CorrespondenceSet, res Result) ([]float64, error) {
	if len(res.RotationVecs) != len(set.Views) || len(res.TranslationVecs) != len(set.Views) {
		return nil, errors.Errorf("%d views but %d poses", len(set.Views), len(res.RotationVecs))
	}
	model, err := res.CameraModel()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(set.Views))
	for i, view := range set.Views {
		projected, err := model.ProjectPoints(view.Object, res.RotationVecs[i], res.TranslationVecs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", view.FrameIndex)
		}
		var sum float64
		for j, p := range projected {
			d := view.Image[j].Sub(p)
			sum += d.Dot(d)
		}
		out[i] = math.Sqrt(sum) / float64(len(projected))
	}
	return out, nil
}

// MeanError is the arithmetic mean of the absolute per-frame errors.
func MeanError(perFrame []float64) (float64, error) {
	abs := make(stats.Float64Data, len(perFrame))
	for i, e := range perFrame {
		abs[i] = math.Abs(e)
	}
	return stats.Mean(abs)
}

func checkSolvable(set CorrespondenceSet, opts SolveOptions) error {
	if len(set.Views) == 0 {
		return errors.Wrap(ErrNumericalFailure, "no checkerboard detections to calibrate from")
	}
	if set.ImageSize.X <= 0 || set.ImageSize.Y <= 0 {
		return errors.Wrapf(ErrNumericalFailure, "invalid image size %v", set.ImageSize)
	}
	total := 0
	for _, view := range set.Views {
		if len(view.Object) != len(view.Image) {
			return errors.Wrapf(ErrNumericalFailure, "frame %d has %d object points but %d image points",
				view.FrameIndex, len(view.Object), len(view.Image))
		}
		if len(view.Image) < MinViewPoints {
			return errors.Wrapf(ErrNumericalFailure, "frame %d has %d points, need at least %d",
				view.FrameIndex, len(view.Image), MinViewPoints)
		}
		for _, p := range view.Object {
			if p.Z != 0 || !finiteVector(p) {
				return errors.Wrapf(ErrNumericalFailure, "frame %d has a target point off the z = 0 plane: %v",
					view.FrameIndex, p)
			}
		}
		for _, p := range view.Image {
			if !allFinite([]float64{p.X, p.Y}) {
				return errors.Wrapf(ErrNumericalFailure, "frame %d has a non-finite image point", view.FrameIndex)
			}
		}
		if collinear(view.Image) || collinear(planar(view.Object)) {
			return errors.Wrapf(ErrNumericalFailure, "frame %d has collinear points", view.FrameIndex)
		}
		total += len(view.Image)
	}
	// each point gives two equations; the unknowns are fx, fy, cx, cy, the distortion and six
	// pose parameters per view
	unknowns := 4 + opts.distCoeffCount() + 6*len(set.Views)
	if 2*total < unknowns {
		return errors.Wrapf(ErrNumericalFailure, "%d points across %d views cannot constrain %d parameters",
			total, len(set.Views), unknowns)
	}
	return nil
}

func planar(pts []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

func collinear(pts []r2.Point) bool {
	if len(pts) < 3 {
		return true
	}
	origin := pts[0]
	var far r2.Point
	for _, p := range pts[1:] {
		if d := p.Sub(origin); d.Norm() > far.Norm() {
			far = d
		}
	}
	length := far.Norm()
	if length < collinearTolerance {
		return true
	}
	for _, p := range pts[1:] {
		if math.Abs(far.Cross(p.Sub(origin)))/length > collinearTolerance {
			return false
		}
	}
	return true
}

// usedGrid is the grid every view was detected with. When the views disagree, which only
// happens with the swapped fallback, it is the requested grid.
func (set CorrespondenceSet) usedGrid() GridSpec {
	used := set.Views[0].grid()
	for _, view := range set.Views[1:] {
		if view.grid() != used {
			if set.Grid != (GridSpec{}) {
				return set.Grid
			}
			return used
		}
	}
	return used
}

// grid is the grid the view was detected with, recovered from its object points.
func (c Correspondence) grid() GridSpec {
	var g GridSpec
	for _, p := range c.Object {
		g.Cols = max(g.Cols, int(p.X)+1)
		g.Rows = max(g.Rows, int(p.Y)+1)
	}
	return g
}

// readVector flattens a single row or single column Mat of doubles.
func readVector(m gocv.Mat) []float64 {
	n := m.Total()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if m.Rows() == 1 {
			out[i] = m.GetDoubleAt(0, i)
		} else {
			out[i] = m.GetDoubleAt(i, 0)
		}
	}
	return out
}

// readVectors reads one 3-vector per row, from either an Nx1 three channel Mat or an Nx3 Mat.
func readVectors(m gocv.Mat) []r3.Vector {
	if m.Empty() {
		return nil
	}
	if m.Channels() == 1 && m.Rows() == 3 && m.Cols() == 1 {
		return []r3.Vector{{X: m.GetDoubleAt(0, 0), Y: m.GetDoubleAt(1, 0), Z: m.GetDoubleAt(2, 0)}}
	}
	out := make([]r3.Vector, m.Rows())
	for i := range out {
		if m.Channels() == 3 {
			v := m.GetVecdAt(i, 0)
			out[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		} else {
			out[i] = r3.Vector{X: m.GetDoubleAt(i, 0), Y: m.GetDoubleAt(i, 1), Z: m.GetDoubleAt(i, 2)}
		}
	}
	return out
}
