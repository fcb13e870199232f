package transform

import (
	"math"

	"github.com/pkg/errors"
)

// BrownConrady is the radial/tangential lens distortion model, optionally with the rational
// radial denominator. Coefficients follow the OpenCV ordering (k1, k2, p1, p2, k3[, k4, k5, k6]).
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
	RationalK4   float64 `json:"rk4,omitempty"`
	RationalK5   float64 `json:"rk5,omitempty"`
	RationalK6   float64 `json:"rk6,omitempty"`

	rational bool
}

// NewBrownConrady takes coefficients in OpenCV order. Up to five coefficients give the plain
// model (missing ones are zero); exactly eight give the rational model.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	switch {
	case len(inp) == 8:
		return &BrownConrady{
			RadialK1: inp[0], RadialK2: inp[1], TangentialP1: inp[2], TangentialP2: inp[3], RadialK3: inp[4],
			RationalK4: inp[5], RationalK5: inp[6], RationalK6: inp[7],
			rational: true,
		}, nil
	case len(inp) > 5:
		return nil, errors.Errorf("expected at most 5 or exactly 8 distortion coefficients, got %d", len(inp))
	}
	padded := make([]float64, 5)
	copy(padded, inp)
	return &BrownConrady{
		RadialK1: padded[0], RadialK2: padded[1], TangentialP1: padded[2], TangentialP2: padded[3], RadialK3: padded[4],
	}, nil
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, v := range bc.Parameters() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return InvalidDistortionError("non-finite coefficient")
		}
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	if bc != nil && bc.rational {
		return RationalDistortionType
	}
	return BrownConradyDistortionType
}

// Parameters returns the coefficients in OpenCV order; eight for the rational model, else five.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	params := []float64{bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2, bc.RadialK3}
	if bc.rational {
		params = append(params, bc.RationalK4, bc.RationalK5, bc.RationalK6)
	}
	return params
}

// Transform distorts a point in normalized image coordinates (x/z, y/z).
//
//	r² = x² + y²
//	radial = (1 + k1*r² + k2*r⁴ + k3*r⁶) / (1 + k4*r² + k5*r⁴ + k6*r⁶)
//	x_d = x*radial + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y*radial + p1*(r² + 2*y²) + 2*p2*x*y
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6
	if bc.rational {
		radial /= 1 + bc.RationalK4*r2 + bc.RationalK5*r4 + bc.RationalK6*r6
	}
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + bc.TangentialP1*(r2+2*y*y) + 2*bc.TangentialP2*x*y
	return xd, yd
}
