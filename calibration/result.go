package calibration

import (
	"image"
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/camcalib/rimage/transform"
)

// Result is a solved calibration. It is not modified once returned; use Clone before changing
// a copy.
type Result struct {
	// ReprojErrorRMS is the RMS reprojection error reported by the solver.
	ReprojErrorRMS float64
	// CameraMatrix is [[fx 0 cx] [0 fy cy] [0 0 1]].
	CameraMatrix [3][3]float64
	// DistCoeffs are in OpenCV order: k1, k2, p1, p2, k3[, k4, k5, k6].
	DistCoeffs      []float64
	RotationVecs    []r3.Vector
	TranslationVecs []r3.Vector
	// PerFrameErrors holds, per view, the L2 norm of the reprojection residuals divided by the
	// number of points.
	PerFrameErrors  []float64
	MeanReprojError float64
	// FrameIndices are the source frames the views came from.
	FrameIndices []int
	ImageSize    image.Point
	Grid         GridSpec
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	r.DistCoeffs = slices.Clone(r.DistCoeffs)
	r.RotationVecs = slices.Clone(r.RotationVecs)
	r.TranslationVecs = slices.Clone(r.TranslationVecs)
	r.PerFrameErrors = slices.Clone(r.PerFrameErrors)
	r.FrameIndices = slices.Clone(r.FrameIndices)
	return r
}

// Intrinsics returns the pinhole parameters of the camera matrix.
func (r Result) Intrinsics() (*transform.PinholeCameraIntrinsics, error) {
	return transform.NewPinholeCameraIntrinsicsFromMatrix(r.CameraMatrix, r.ImageSize.X, r.ImageSize.Y)
}

// Distortion returns the lens model of the distortion coefficients.
func (r Result) Distortion() (*transform.BrownConrady, error) {
	return transform.NewBrownConrady(r.DistCoeffs)
}

// CameraModel combines the intrinsics and the distortion.
func (r Result) CameraModel() (*transform.PinholeCameraModel, error) {
	intrinsics, err := r.Intrinsics()
	if err != nil {
		return nil, err
	}
	distortion, err := r.Distortion()
	if err != nil {
		return nil, err
	}
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: intrinsics, Distortion: distortion}, nil
}

// CheckValid checks that the result is finite and self-consistent.
func (r Result) CheckValid() error {
	if err := r.Grid.CheckValid(); err != nil {
		return err
	}
	if _, err := r.CameraModel(); err != nil {
		return err
	}
	n := len(r.FrameIndices)
	if len(r.RotationVecs) != n || len(r.TranslationVecs) != n || len(r.PerFrameErrors) != n {
		return errors.Errorf("result has %d frames but %d rotations, %d translations and %d errors",
			n, len(r.RotationVecs), len(r.TranslationVecs), len(r.PerFrameErrors))
	}
	for i := range r.CameraMatrix {
		if !allFinite(r.CameraMatrix[i][:]) {
			return errors.New("camera matrix is not finite")
		}
	}
	if !allFinite(r.DistCoeffs) || !allFinite(r.PerFrameErrors) ||
		!allFinite([]float64{r.ReprojErrorRMS, r.MeanReprojError}) {
		return errors.New("result has non-finite values")
	}
	for i := range r.RotationVecs {
		if !finiteVector(r.RotationVecs[i]) || !finiteVector(r.TranslationVecs[i]) {
			return errors.Errorf("pose %d is not finite", i)
		}
	}
	return nil
}

func allFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteVector(v r3.Vector) bool {
	return allFinite([]float64{v.X, v.Y, v.Z})
}
