package calibration

import (
	"context"
	"image"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

// UndistortedFramePrefix names the frames written by UndistortSource.
const UndistortedFramePrefix = "frame"

// Undistorter removes lens distortion with a solved calibration. It is safe for concurrent use.
type Undistorter struct {
	// Workers bounds the number of frames undistorted concurrently by UndistortSource.
	Workers int
	Logger  logging.Logger

	cameraMatrix gocv.Mat
	distCoeffs   gocv.Mat

	mu     sync.Mutex
	rects  map[image.Point]rectification
	closed bool
}

type rectification struct {
	cameraMatrix gocv.Mat
	roi          image.Rectangle
}

// NewUndistorter prepares the camera matrix and distortion of res. Call Close when done.
func NewUndistorter(res Result) (*Undistorter, error) {
	if _, err := res.CameraModel(); err != nil {
		return nil, errors.Wrap(err, "calibration cannot be used to undistort")
	}
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.SetDoubleAt(r, c, res.CameraMatrix[r][c])
		}
	}
	d := gocv.NewMatWithSize(1, len(res.DistCoeffs), gocv.MatTypeCV64F)
	for i, v := range res.DistCoeffs {
		d.SetDoubleAt(0, i, v)
	}
	return &Undistorter{
		cameraMatrix: k,
		distCoeffs:   d,
		rects:        map[image.Point]rectification{},
	}, nil
}

func (u *Undistorter) rectification(size image.Point) (rectification, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return rectification{}, errors.New("undistorter is closed")
	}
	if rect, ok := u.rects[size]; ok {
		return rect, nil
	}
	newK, roi := gocv.GetOptimalNewCameraMatrixWithParams(u.cameraMatrix, u.distCoeffs, size, 1, size, false)
	if roi.Empty() {
		utils.UncheckedErrorFunc(newK.Close)
		return rectification{}, errors.Wrapf(ErrNumericalFailure, "no valid pixels remain after undistorting a %v frame", size)
	}
	rect := rectification{cameraMatrix: newK, roi: roi}
	u.rects[size] = rect
	return rect, nil
}

// Undistort returns the undistorted frame cropped to its valid region, and that region in
// the coordinates of the uncropped frame. The caller owns the returned Mat.
func (u *Undistorter) Undistort(frame gocv.Mat) (gocv.Mat, image.Rectangle, error) {
	if frame.Empty() {
		return gocv.Mat{}, image.Rectangle{}, errors.Wrap(ErrInvalidInput, "empty frame")
	}
	rect, err := u.rectification(image.Pt(frame.Cols(), frame.Rows()))
	if err != nil {
		return gocv.Mat{}, image.Rectangle{}, err
	}
	full := gocv.NewMat()
	defer utils.UncheckedErrorFunc(full.Close)
	gocv.Undistort(frame, &full, u.cameraMatrix, u.distCoeffs, rect.cameraMatrix)
	region := full.Region(rect.roi)
	defer utils.UncheckedErrorFunc(region.Close)
	return region.Clone(), rect.roi, nil
}

// UndistortSource undistorts every frame of src into outDir as frame_<index>.jpg, numbered in
// processing order. An existing outDir is left alone and 0 is returned. The directory only
// appears once every frame is written.
func (u *Undistorter) UndistortSource(ctx context.Context, src imagesource.Source, outDir string) (n int, err error) {
	logger := u.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("undistorter")
	}
	if _, statErr := os.Stat(outDir); statErr == nil {
		logger.Infow("undistorted frames already exist, skipping", "path", outDir)
		return 0, nil
	}
	sink, err := imagesource.NewDirectorySink(outDir, UndistortedFramePrefix)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, sink.Abort())
			n = 0
		}
	}()

	workers := u.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for done := false; !done; {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, releases, err := nextBatch(ctx, src, 2*workers)
		if errors.Is(err, io.EOF) {
			done = true
		} else if err != nil {
			releaseAll(releases)
			return 0, err
		}
		outs := make([]gocv.Mat, len(batch))
		ok := make([]bool, len(batch))
		var g errgroup.Group
		g.SetLimit(workers)
		for i, f := range batch {
			g.Go(func() error {
				out, _, err := u.Undistort(f.Mat)
				if err != nil {
					return errors.Wrapf(err, "frame %d", f.Index)
				}
				outs[i], ok[i] = out, true
				return nil
			})
		}
		err = g.Wait()
		releaseAll(releases)
		for i := range outs {
			if !ok[i] {
				continue
			}
			if err == nil {
				err = sink.Write(n, outs[i])
				n++
			}
			utils.UncheckedErrorFunc(outs[i].Close)
		}
		if err != nil {
			return 0, err
		}
	}
	if err := sink.Commit(); err != nil {
		return 0, err
	}
	logger.Infow("undistorted frames written", "path", outDir, "frames", n)
	return n, nil
}

// Close releases the cached matrices.
func (u *Undistorter) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	err := multierr.Combine(u.cameraMatrix.Close(), u.distCoeffs.Close())
	for size, rect := range u.rects {
		err = multierr.Combine(err, rect.cameraMatrix.Close())
		delete(u.rects, size)
	}
	return err
}
