// Package calibration estimates camera intrinsics and lens distortion from checkerboard
// imagery, caches the result next to the board source, and undistorts frames with it.
package calibration

import (
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// GridSpec is the number of internal corners of a checkerboard, not the number of squares.
type GridSpec struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// CheckValid requires at least two corners in each direction.
func (g GridSpec) CheckValid() error {
	if g.Rows < 2 || g.Cols < 2 {
		return errors.Wrapf(ErrInvalidInput, "grid needs at least 2x2 internal corners, got %dx%d", g.Rows, g.Cols)
	}
	return nil
}

// Swapped returns the grid with rows and columns exchanged.
func (g GridSpec) Swapped() GridSpec {
	return GridSpec{Rows: g.Cols, Cols: g.Rows}
}

// Len is the number of corners.
func (g GridSpec) Len() int {
	return g.Rows * g.Cols
}

// PatternSize is the grid as OpenCV's chessboard functions expect it: points per row by points
// per column.
func (g GridSpec) PatternSize() image.Point {
	return image.Pt(g.Cols, g.Rows)
}

// Index is the position of the corner at row r, column c in raster order.
func (g GridSpec) Index(r, c int) int {
	return r*g.Cols + c
}

// ObjectPointGrid holds the planar target points in raster order, one square per unit, z = 0.
type ObjectPointGrid []r3.Vector

// BuildObjectGrid returns the target points of the grid.
func BuildObjectGrid(g GridSpec) ObjectPointGrid {
	if g.Rows <= 0 || g.Cols <= 0 {
		return ObjectPointGrid{}
	}
	pts := make(ObjectPointGrid, g.Len())
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			pts[g.Index(r, c)] = r3.Vector{X: float64(c), Y: float64(r)}
		}
	}
	return pts
}
