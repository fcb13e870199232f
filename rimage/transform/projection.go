package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle rotation vector (axis scaled by the angle in radians) to a
// 3x3 rotation matrix.
func Rodrigues(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if theta < 1e-12 {
		// first order: R = I + [r]x
		rot.Set(0, 1, -rvec.Z)
		rot.Set(0, 2, rvec.Y)
		rot.Set(1, 0, rvec.Z)
		rot.Set(1, 2, -rvec.X)
		rot.Set(2, 0, -rvec.Y)
		rot.Set(2, 1, rvec.X)
		return rot
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	cross := mat.NewDense(3, 3, []float64{
		0, -k.Z, k.Y,
		k.Z, 0, -k.X,
		-k.Y, k.X, 0,
	})
	outer := mat.NewDense(3, 3, []float64{
		k.X * k.X, k.X * k.Y, k.X * k.Z,
		k.Y * k.X, k.Y * k.Y, k.Y * k.Z,
		k.Z * k.X, k.Z * k.Y, k.Z * k.Z,
	})
	rot.Scale(c, rot)
	outer.Scale(1-c, outer)
	cross.Scale(s, cross)
	rot.Add(rot, outer)
	rot.Add(rot, cross)
	return rot
}

// ProjectPoints maps object-frame points through the pose (rvec, tvec), the lens distortion
// and the intrinsics into pixel coordinates. A nil distortion is treated as none. A point that
// lands on the camera plane (z == 0) is an error.
func (params *PinholeCameraModel) ProjectPoints(points []r3.Vector, rvec, tvec r3.Vector) ([]r2.Point, error) {
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return nil, err
	}
	rot := Rodrigues(rvec)
	out := make([]r2.Point, len(points))
	cam := mat.NewVecDense(3, nil)
	for i, pt := range points {
		cam.MulVec(rot, mat.NewVecDense(3, []float64{pt.X, pt.Y, pt.Z}))
		x, y, z := cam.AtVec(0)+tvec.X, cam.AtVec(1)+tvec.Y, cam.AtVec(2)+tvec.Z
		if z == 0 {
			return nil, errors.Errorf("point %d (%v) projects onto the camera plane", i, pt)
		}
		xn, yn := x/z, y/z
		if params.Distortion != nil {
			xn, yn = params.Distortion.Transform(xn, yn)
		}
		out[i], _ = params.PointToPixel(xn, yn, 1)
	}
	return out, nil
}
