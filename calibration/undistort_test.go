package calibration

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gocv.io/x/gocv"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

func barrelResult() Result {
	res := testResult()
	res.CameraMatrix = [3][3]float64{{500, 0, 320}, {0, 500, 240}, {0, 0, 1}}
	res.DistCoeffs = []float64{-0.2, 0.05, 0, 0, 0}
	return res
}

func TestUndistortRegion(t *testing.T) {
	u, err := NewUndistorter(barrelResult())
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, u.Close(), test.ShouldBeNil) }()

	frame := grayMat(t, renderBoard(t, testGrid, testPoses()[0]))
	defer frame.Close()
	out, roi, err := u.Undistort(frame)
	test.That(t, err, test.ShouldBeNil)
	defer out.Close()
	test.That(t, roi.Dx(), test.ShouldBeGreaterThan, 0)
	test.That(t, roi.Dy(), test.ShouldBeGreaterThan, 0)
	test.That(t, roi.In(image.Rect(0, 0, testImageSize.X, testImageSize.Y)), test.ShouldBeTrue)
	test.That(t, out.Cols(), test.ShouldEqual, roi.Dx())
	test.That(t, out.Rows(), test.ShouldEqual, roi.Dy())

	// the rectification is cached per frame size
	_, roi2, err := u.Undistort(frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, roi2, test.ShouldResemble, roi)
	test.That(t, u.rects, test.ShouldHaveLength, 1)

	small := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer small.Close()
	smallOut, smallROI, err := u.Undistort(small)
	test.That(t, err, test.ShouldBeNil)
	defer smallOut.Close()
	test.That(t, smallROI.Dx(), test.ShouldBeGreaterThan, 0)
	test.That(t, u.rects, test.ShouldHaveLength, 2)
}

func TestUndistortConcurrent(t *testing.T) {
	u, err := NewUndistorter(barrelResult())
	test.That(t, err, test.ShouldBeNil)
	defer u.Close()
	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	var wg sync.WaitGroup
	rois := make([]image.Rectangle, 8)
	errs := make([]error, 8)
	for i := range rois {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, roi, err := u.Undistort(frame)
			if err == nil {
				out.Close()
			}
			rois[i], errs[i] = roi, err
		}()
	}
	wg.Wait()
	for i := range rois {
		test.That(t, errs[i], test.ShouldBeNil)
		test.That(t, rois[i], test.ShouldResemble, rois[0])
	}
}

func TestUndistortErrors(t *testing.T) {
	bad := barrelResult()
	bad.CameraMatrix[1][1] = -1
	_, err := NewUndistorter(bad)
	test.That(t, err, test.ShouldNotBeNil)

	u, err := NewUndistorter(barrelResult())
	test.That(t, err, test.ShouldBeNil)
	empty := gocv.NewMat()
	defer empty.Close()
	_, _, err = u.Undistort(empty)
	test.That(t, errors.Is(err, ErrInvalidInput), test.ShouldBeTrue)

	test.That(t, u.Close(), test.ShouldBeNil)
	test.That(t, u.Close(), test.ShouldBeNil)
	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	_, _, err = u.Undistort(frame)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUndistortSource(t *testing.T) {
	root := t.TempDir()
	frames := filepath.Join(root, "frames")
	imgs := []image.Image{blankFrame(), renderBoard(t, testGrid, testPoses()[1]), blankFrame()}
	writeFrames(t, frames, imgs)

	u, err := NewUndistorter(barrelResult())
	test.That(t, err, test.ShouldBeNil)
	defer u.Close()
	u.Workers = 2
	u.Logger = logging.NewTestLogger(t)

	out := filepath.Join(root, "drive_undistorted")
	src, err := imagesource.Open(frames, 30)
	test.That(t, err, test.ShouldBeNil)
	n, err := u.UndistortSource(context.Background(), src, out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, len(imgs))

	written, err := imagesource.ListImages(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written, test.ShouldResemble, []string{
		filepath.Join(out, "frame_00000000.jpg"),
		filepath.Join(out, "frame_00000001.jpg"),
		filepath.Join(out, "frame_00000002.jpg"),
	})
	_, err = os.Stat(imagesource.PartPath(out))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	// an existing output directory is left as is
	test.That(t, os.Remove(written[2]), test.ShouldBeNil)
	src, err = imagesource.Open(frames, 30)
	test.That(t, err, test.ShouldBeNil)
	n, err = u.UndistortSource(context.Background(), src, out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
	again, err := imagesource.ListImages(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldHaveLength, 2)
}

func TestUndistortSourceCanceled(t *testing.T) {
	root := t.TempDir()
	frames := filepath.Join(root, "frames")
	writeFrames(t, frames, []image.Image{blankFrame()})
	u, err := NewUndistorter(barrelResult())
	test.That(t, err, test.ShouldBeNil)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, err := imagesource.Open(frames, 30)
	test.That(t, err, test.ShouldBeNil)
	out := filepath.Join(root, "out")
	n, err := u.UndistortSource(ctx, src, out)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, n, test.ShouldEqual, 0)
	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	_, err = os.Stat(imagesource.PartPath(out))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}
