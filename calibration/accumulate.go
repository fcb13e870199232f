package calibration

import (
	"context"
	"image"
	"io"
	"runtime"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

// Correspondence pairs the target points with the corners found in one frame.
type Correspondence struct {
	FrameIndex int
	Object     ObjectPointGrid
	Image      []r2.Point
}

// CorrespondenceSet is every successful detection of a source, in frame order, together with
// the size shared by all of its frames and the grid that was asked for.
type CorrespondenceSet struct {
	Grid      GridSpec
	ImageSize image.Point
	Views     []Correspondence
}

// FrameSink receives the annotated frame of every successful detection.
type FrameSink interface {
	Write(index int, frame gocv.Mat) error
}

// Accumulator runs detection over a frame source and collects correspondences.
type Accumulator struct {
	Detector Detector
	// Workers bounds the number of frames detected concurrently. Non-positive means one per CPU.
	Workers int
	Logger  logging.Logger
}

type detection struct {
	corners      DetectedCorners
	found        bool
	annotated    gocv.Mat
	hasAnnotated bool
}

func (a *Accumulator) workers() int {
	if a.Workers > 0 {
		return a.Workers
	}
	return runtime.NumCPU()
}

// Accumulate consumes src to the end. Frames are detected in parallel batches and the results
// are appended, and written to sink if it is non-nil, in source order. The context is checked
// between batches.
func (a *Accumulator) Accumulate(ctx context.Context, src imagesource.Source, sink FrameSink) (CorrespondenceSet, error) {
	if err := a.Detector.Grid.CheckValid(); err != nil {
		return CorrespondenceSet{}, err
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.NewBlankLogger("accumulator")
	}
	workers := a.workers()
	grids := map[GridSpec]ObjectPointGrid{}
	set := CorrespondenceSet{Grid: a.Detector.Grid}
	frames := 0

	for done := false; !done; {
		if err := ctx.Err(); err != nil {
			return CorrespondenceSet{}, err
		}
		batch, releases, err := nextBatch(ctx, src, 2*workers)
		if errors.Is(err, io.EOF) {
			done = true
		} else if err != nil {
			releaseAll(releases)
			return CorrespondenceSet{}, err
		}
		for _, f := range batch {
			size := image.Pt(f.Mat.Cols(), f.Mat.Rows())
			if frames == 0 {
				set.ImageSize = size
			} else if size != set.ImageSize {
				releaseAll(releases)
				return CorrespondenceSet{}, errors.Wrapf(ErrInvalidInput,
					"frame %d is %v but earlier frames are %v", f.Index, size, set.ImageSize)
			}
			frames++
		}

		results := make([]detection, len(batch))
		var g errgroup.Group
		g.SetLimit(workers)
		for i, f := range batch {
			g.Go(func() error {
				res, err := a.detectFrame(f, sink != nil)
				if err != nil {
					return errors.Wrapf(err, "frame %d", f.Index)
				}
				results[i] = res
				return nil
			})
		}
		err = g.Wait()
		releaseAll(releases)
		if err != nil {
			closeAnnotated(results)
			return CorrespondenceSet{}, err
		}

		for i, res := range results {
			if !res.found {
				logger.Debugw("no checkerboard", "frame", batch[i].Index)
				continue
			}
			if res.corners.Grid != a.Detector.Grid {
				logger.Debugw("checkerboard found with swapped grid", "frame", batch[i].Index,
					"rows", res.corners.Grid.Rows, "cols", res.corners.Grid.Cols)
			} else {
				logger.Debugw("checkerboard found", "frame", batch[i].Index)
			}
			object, ok := grids[res.corners.Grid]
			if !ok {
				object = BuildObjectGrid(res.corners.Grid)
				grids[res.corners.Grid] = object
			}
			set.Views = append(set.Views, Correspondence{
				FrameIndex: batch[i].Index,
				Object:     object,
				Image:      res.corners.Points,
			})
			if sink != nil {
				if err := sink.Write(batch[i].Index, res.annotated); err != nil {
					closeAnnotated(results)
					return CorrespondenceSet{}, err
				}
			}
		}
		closeAnnotated(results)
	}
	logger.Infow("detection finished", "frames", frames, "detections", len(set.Views))
	return set, nil
}

func (a *Accumulator) detectFrame(f imagesource.Frame, annotate bool) (detection, error) {
	gray := f.Mat
	switch f.Mat.Channels() {
	case 1:
	case 3, 4:
		gray = gocv.NewMat()
		defer utils.UncheckedErrorFunc(gray.Close)
		code := gocv.ColorBGRToGray
		if f.Mat.Channels() == 4 {
			code = gocv.ColorBGRAToGray
		}
		gocv.CvtColor(f.Mat, &gray, code)
	default:
		return detection{}, errors.Wrapf(ErrInvalidInput, "unsupported channel count %d", f.Mat.Channels())
	}
	corners, found, err := a.Detector.Detect(gray)
	if err != nil || !found {
		return detection{}, err
	}
	res := detection{corners: corners, found: true}
	if annotate {
		res.annotated = Annotate(f.Mat, corners)
		res.hasAnnotated = true
	}
	return res, nil
}

func nextBatch(ctx context.Context, src imagesource.Source, n int) ([]imagesource.Frame, []func(), error) {
	batch := make([]imagesource.Frame, 0, n)
	releases := make([]func(), 0, n)
	for len(batch) < n {
		f, release, err := src.Next(ctx)
		if err != nil {
			return batch, releases, err
		}
		batch = append(batch, f)
		releases = append(releases, release)
	}
	return batch, releases, nil
}

func releaseAll(releases []func()) {
	for _, release := range releases {
		if release != nil {
			release()
		}
	}
}

func closeAnnotated(results []detection) {
	for i := range results {
		if results[i].hasAnnotated {
			utils.UncheckedErrorFunc(results[i].annotated.Close)
			results[i].hasAnnotated = false
		}
	}
}
