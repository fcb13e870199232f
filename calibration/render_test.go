package calibration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcalib/rimage/transform"
)

var (
	testImageSize  = image.Pt(640, 480)
	testIntrinsics = &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
	}
	testGrid = GridSpec{Rows: 6, Cols: 9}
)

// boardPose places the center of the board at Offset in camera coordinates, rotated by Rvec.
type boardPose struct {
	Rvec   r3.Vector
	Offset r3.Vector
}

func testPoses() []boardPose {
	return []boardPose{
		{Rvec: r3.Vector{}, Offset: r3.Vector{Z: 18}},
		{Rvec: r3.Vector{X: 0.35}, Offset: r3.Vector{X: -1, Y: 0.5, Z: 18}},
		{Rvec: r3.Vector{Y: 0.35}, Offset: r3.Vector{X: 1, Y: -0.5, Z: 19}},
		{Rvec: r3.Vector{X: -0.3, Y: 0.25}, Offset: r3.Vector{X: 1.5, Y: 1, Z: 20}},
		{Rvec: r3.Vector{X: 0.25, Y: -0.3, Z: 0.1}, Offset: r3.Vector{X: -1.5, Y: -1, Z: 20}},
		{Rvec: r3.Vector{Y: -0.4, Z: -0.15}, Offset: r3.Vector{X: 0.5, Y: 1, Z: 19}},
		{Rvec: r3.Vector{X: -0.35, Z: 0.2}, Offset: r3.Vector{X: -0.5, Y: -0.5, Z: 19}},
		{Rvec: r3.Vector{X: 0.2, Y: 0.2, Z: 0.3}, Offset: r3.Vector{Y: 0.5, Z: 19}},
	}
}

// extrinsics returns the rotation and translation taking board points into the camera frame.
func (p boardPose) extrinsics(grid GridSpec) (r3.Vector, r3.Vector) {
	rot := transform.Rodrigues(p.Rvec)
	center := mat.NewVecDense(3, []float64{float64(grid.Cols-1) / 2, float64(grid.Rows-1) / 2, 0})
	var rc mat.VecDense
	rc.MulVec(rot, center)
	return p.Rvec, r3.Vector{X: p.Offset.X - rc.AtVec(0), Y: p.Offset.Y - rc.AtVec(1), Z: p.Offset.Z - rc.AtVec(2)}
}

// expectedCorners projects the grid's object points for the pose.
func (p boardPose) expectedCorners(t *testing.T, grid GridSpec) []r2.Point {
	t.Helper()
	rvec, tvec := p.extrinsics(grid)
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: testIntrinsics}
	pts, err := model.ProjectPoints(BuildObjectGrid(grid), rvec, tvec)
	test.That(t, err, test.ShouldBeNil)
	return pts
}

// renderBoard draws a checkerboard with grid internal corners, seen from the pose through the
// test camera. Squares are one unit; the board has a one square white margin on a gray
// background.
func renderBoard(t *testing.T, grid GridSpec, pose boardPose) *image.Gray {
	t.Helper()
	rvec, tvec := pose.extrinsics(grid)
	rot := transform.Rodrigues(rvec)
	k := testIntrinsics.GetCameraMatrix()
	// homography from board plane (X, Y, 1) to pixels
	rt := mat.NewDense(3, 3, []float64{
		rot.At(0, 0), rot.At(0, 1), tvec.X,
		rot.At(1, 0), rot.At(1, 1), tvec.Y,
		rot.At(2, 0), rot.At(2, 1), tvec.Z,
	})
	var h, inv mat.Dense
	h.Mul(k, rt)
	test.That(t, inv.Inverse(&h), test.ShouldBeNil)

	a, b, c := inv.At(0, 0), inv.At(0, 1), inv.At(0, 2)
	d, e, f := inv.At(1, 0), inv.At(1, 1), inv.At(1, 2)
	g, hh, i := inv.At(2, 0), inv.At(2, 1), inv.At(2, 2)

	const samples = 4
	img := image.NewGray(image.Rect(0, 0, testImageSize.X, testImageSize.Y))
	for v := 0; v < testImageSize.Y; v++ {
		for u := 0; u < testImageSize.X; u++ {
			var sum float64
			for sv := 0; sv < samples; sv++ {
				for su := 0; su < samples; su++ {
					x := float64(u) + (float64(su)+0.5)/samples - 0.5
					y := float64(v) + (float64(sv)+0.5)/samples - 0.5
					w := g*x + hh*y + i
					bx := (a*x + b*y + c) / w
					by := (d*x + e*y + f) / w
					sum += boardShade(grid, bx, by)
				}
			}
			img.SetGray(u, v, color.Gray{Y: uint8(math.Round(sum / (samples * samples)))})
		}
	}
	return img
}

func boardShade(grid GridSpec, x, y float64) float64 {
	switch {
	case x >= -1 && x < float64(grid.Cols) && y >= -1 && y < float64(grid.Rows):
		if (int(math.Floor(x))+int(math.Floor(y)))%2 == 0 {
			return 20
		}
		return 235
	case x >= -2 && x < float64(grid.Cols+1) && y >= -2 && y < float64(grid.Rows+1):
		return 235
	default:
		return 120
	}
}

func blankFrame() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, testImageSize.X, testImageSize.Y))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
}

// writeFrames writes one PNG per image into dir, named so they sort in order.
func writeFrames(t *testing.T, dir string, imgs []image.Image) {
	t.Helper()
	test.That(t, os.MkdirAll(dir, 0o755), test.ShouldBeNil)
	for i, img := range imgs {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("img_%03d.png", i)), img)
	}
}

// matchesEitherOrder reports whether got equals want, or want reversed, within tol pixels.
// OpenCV may start the corner ordering from either end of a board.
func matchesEitherOrder(got, want []r2.Point, tol float64) bool {
	if len(got) != len(want) {
		return false
	}
	forward, backward := true, true
	for i := range got {
		if got[i].Sub(want[i]).Norm() > tol {
			forward = false
		}
		if got[i].Sub(want[len(want)-1-i]).Norm() > tol {
			backward = false
		}
	}
	return forward || backward
}
