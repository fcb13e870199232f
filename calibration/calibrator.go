package calibration

import (
	"context"
	"image"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

// DebugFramePrefix names the annotated frames written in debug mode.
const DebugFramePrefix = "checkerboard"

// DefaultDebugVideoSize is the frame size of the annotated detection video.
var DefaultDebugVideoSize = image.Pt(1920, 1080)

// VideoSinkFactory opens the sink the annotated detection video is written to.
type VideoSinkFactory func(path string, fps float64, size image.Point) (imagesource.Sink, error)

// Options configures a Calibrator.
type Options struct {
	// Debug also writes each annotated detection as a JPEG and a plot of the per-frame errors.
	Debug bool
	// Workers bounds detection and undistortion concurrency. Zero means one per CPU.
	Workers int
	// AllowSwappedGrid retries detection with rows and columns exchanged.
	AllowSwappedGrid bool
	// RationalModel fits the eight coefficient distortion model.
	RationalModel bool
	// DebugVideoSize defaults to DefaultDebugVideoSize.
	DebugVideoSize image.Point
	// NewVideoSink defaults to an OpenCV video writer.
	NewVideoSink VideoSinkFactory
}

// CheckValid checks the options.
func (o Options) CheckValid() error {
	if o.Workers < 0 {
		return errors.Wrapf(ErrInvalidInput, "workers must not be negative, got %d", o.Workers)
	}
	if o.DebugVideoSize.X < 0 || o.DebugVideoSize.Y < 0 {
		return errors.Wrapf(ErrInvalidInput, "invalid debug video size %v", o.DebugVideoSize)
	}
	return nil
}

func defaultVideoSink(path string, fps float64, size image.Point) (imagesource.Sink, error) {
	return imagesource.NewVideoSink(path, fps, size)
}

// Calibrator runs the full calibration of a board source, reusing a stored result when there
// is one.
type Calibrator struct {
	logger logging.Logger
	opts   Options
	store  *Store
}

// NewCalibrator returns a Calibrator.
func NewCalibrator(logger logging.Logger, opts Options) *Calibrator {
	if opts.DebugVideoSize == (image.Point{}) {
		opts.DebugVideoSize = DefaultDebugVideoSize
	}
	if opts.NewVideoSink == nil {
		opts.NewVideoSink = defaultVideoSink
	}
	return &Calibrator{
		logger: logger,
		opts:   opts,
		store:  NewStore(logger.Sublogger("store")),
	}
}

// Calibrate returns the calibration of src. A stored result is returned as is. Otherwise
// every frame is searched for grid, the camera is solved from the detections, and the result
// is stored together with the annotated detection video. If the run fails nothing new is left
// next to src.
func (c *Calibrator) Calibrate(ctx context.Context, src Source, grid GridSpec, fps float64) (res Result, err error) {
	if err := c.opts.CheckValid(); err != nil {
		return Result{}, err
	}
	if err := grid.CheckValid(); err != nil {
		return Result{}, err
	}
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return Result{}, errors.Wrapf(ErrInvalidInput, "frame rate must be positive, got %v", fps)
	}

	unlock, err := c.store.Lock(ctx, src)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil {
			c.logger.Warnw("releasing calibration lock", "path", src.LockPath(), "error", unlockErr)
		}
	}()

	cached, found, err := c.store.Load(src)
	if err != nil {
		return Result{}, err
	}
	if found {
		if cached.Grid != grid {
			c.logger.Warnw("stored calibration was made with a different grid",
				"stored", cached.Grid, "requested", grid, "path", src.RecordPath())
		}
		return cached, nil
	}

	if err := c.store.CleanStale(src, c.opts.Debug); err != nil {
		return Result{}, err
	}
	frames, err := imagesource.Open(src.Path, fps)
	if err != nil {
		return Result{}, errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	defer func() {
		err = multierr.Combine(err, frames.Close())
	}()

	video, err := c.opts.NewVideoSink(src.DebugVideoPath(), fps, c.opts.DebugVideoSize)
	if err != nil {
		return Result{}, err
	}
	sinks := teeSink{video}
	var debugFrames *imagesource.DirectorySink
	if c.opts.Debug {
		if debugFrames, err = imagesource.NewDirectorySink(src.DebugFramesDir(), DebugFramePrefix); err != nil {
			return Result{}, multierr.Combine(err, video.Abort())
		}
		sinks = append(sinks, debugFrames)
	}
	committed := false
	defer func() {
		if err == nil {
			return
		}
		if !committed {
			err = multierr.Combine(err, video.Abort())
		}
		if debugFrames != nil {
			err = multierr.Combine(err, debugFrames.Abort())
		}
	}()

	c.logger.Infow("calibrating", "source", src.String(), "rows", grid.Rows, "cols", grid.Cols, "fps", fps)
	acc := &Accumulator{
		Detector: Detector{Grid: grid, AllowSwapped: c.opts.AllowSwappedGrid},
		Workers:  c.opts.Workers,
		Logger:   c.logger.Sublogger("detector"),
	}
	set, err := acc.Accumulate(ctx, frames, sinks)
	if err != nil {
		return Result{}, err
	}
	if res, err = Solve(set, SolveOptions{RationalModel: c.opts.RationalModel}); err != nil {
		return Result{}, err
	}
	c.logger.Infow("calibration solved", "views", len(res.FrameIndices), "rms", res.ReprojErrorRMS,
		"mean_error", res.MeanReprojError)
	if res.Grid != grid {
		c.logger.Warnw("every view matched the swapped grid, storing it", "requested", grid, "stored", res.Grid)
	}

	if c.opts.Debug {
		if plotErr := WriteReprojectionPlot(res, src.ReprojectionPlotPath()); plotErr != nil {
			c.logger.Warnw("could not write reprojection plot", "error", plotErr)
		}
	}
	if err := c.store.Save(src, res, video); err != nil {
		return Result{}, err
	}
	committed = true
	if debugFrames != nil {
		if err := debugFrames.Commit(); err != nil {
			c.logger.Warnw("could not finalize debug frames", "path", debugFrames.Path(), "error", err)
		}
		debugFrames = nil
	}
	return res.Clone(), nil
}

// UndistortTarget undistorts every frame of the video at target into UndistortedDir(target)
// and returns that directory and the number of frames written. Nothing is written when the
// directory already exists.
func (c *Calibrator) UndistortTarget(ctx context.Context, res Result, target string, fps float64) (string, int, error) {
	target, err := CheckTarget(target)
	if err != nil {
		return "", 0, err
	}
	u, err := NewUndistorter(res)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if closeErr := u.Close(); closeErr != nil {
			c.logger.Warnw("releasing undistorter", "error", closeErr)
		}
	}()
	u.Workers = c.opts.Workers
	u.Logger = c.logger.Sublogger("undistorter")

	outDir := UndistortedDir(target)
	frames, err := imagesource.Open(target, fps)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	n, err := u.UndistortSource(ctx, frames, outDir)
	return outDir, n, multierr.Combine(err, frames.Close())
}

// teeSink forwards each frame to every sink in order.
type teeSink []imagesource.Sink

func (ts teeSink) Write(index int, frame gocv.Mat) error {
	for _, sink := range ts {
		if err := sink.Write(index, frame); err != nil {
			return errors.Wrapf(err, "writing frame %d to %q", index, sink.Path())
		}
	}
	return nil
}
