package imagesource

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
)

// VideoFileSource decodes a video container one frame at a time.
type VideoFileSource struct {
	path string
	fps  float64

	mu      sync.Mutex
	capture *gocv.VideoCapture
	next    int
	done    bool
}

// NewVideoFileSource opens a video container for decoding.
func NewVideoFileSource(path string, fps float64) (*VideoFileSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening video %q", path)
	}
	if !capture.IsOpened() {
		return nil, errors.Errorf("video %q could not be opened for decoding", path)
	}
	if fps <= 0 {
		fps = capture.Get(gocv.VideoCaptureFPS)
	}
	return &VideoFileSource{path: path, fps: fps, capture: capture}, nil
}

// Next decodes the next frame.
func (vs *VideoFileSource) Next(ctx context.Context) (Frame, func(), error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, nil, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.done || vs.capture == nil {
		return Frame{}, nil, io.EOF
	}
	img := gocv.NewMat()
	if ok := vs.capture.Read(&img); !ok || img.Empty() {
		utils.UncheckedErrorFunc(img.Close)
		vs.done = true
		return Frame{}, nil, io.EOF
	}
	frame := Frame{Index: vs.next, Mat: img}
	vs.next++
	return frame, func() {
		utils.UncheckedErrorFunc(img.Close)
	}, nil
}

// FPS returns the expected frame rate.
func (vs *VideoFileSource) FPS() float64 {
	return vs.fps
}

// Close releases the decoder.
func (vs *VideoFileSource) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.capture == nil {
		return nil
	}
	err := vs.capture.Close()
	vs.capture = nil
	return err
}
