package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// NewPinholeCameraIntrinsicsFromMatrix reads fx, fy, ppx and ppy out of a 3x3 camera matrix
// laid out as
//
//	[[fx 0 ppx],
//	 [0 fy ppy],
//	 [0 0  1]]
//
// Skew is not modelled and must be zero.
func NewPinholeCameraIntrinsicsFromMatrix(k [3][3]float64, width, height int) (*PinholeCameraIntrinsics, error) {
	if k[0][1] != 0 {
		return nil, errors.Errorf("camera matrix has non-zero skew %v", k[0][1])
	}
	if k[2][0] != 0 || k[2][1] != 0 || k[2][2] != 1 {
		return nil, errors.Errorf("camera matrix last row must be [0 0 1], got %v", k[2])
	}
	params := &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k[0][0],
		Fy:     k[1][1],
		Ppx:    k[0][2],
		Ppy:    k[1][2],
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	return params, nil
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	for _, v := range []float64{params.Fx, params.Fy, params.Ppx, params.Ppy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewNoIntrinsicsError(fmt.Sprintf("Non-finite parameter in %+v", *params))
		}
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	return nil
}

// PointToPixel projects a 3D point in the camera frame to a pixel in the image plane, without
// any lens distortion. Points with z == 0 cannot be projected and return ok == false.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (r2.Point, bool) {
	if z == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: (x/z)*params.Fx + params.Ppx, Y: (y/z)*params.Fy + params.Ppy}, true
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
