// Package imagesource reads ordered frames from a video file or a directory of stills, and
// writes ordered frames to a video file or a directory of images.
package imagesource

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gocv.io/x/gocv"
)

// ErrUnsupportedSource is returned when a path is neither a directory nor a file with a known
// video extension.
var ErrUnsupportedSource = errors.New("unsupported frame source")

var (
	// VideoExtensions are the container extensions accepted as video sources.
	VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".h264"}
	// ImageExtensions are the still image extensions read from a directory source.
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}
)

// Kind is what a source path points at.
type Kind int

const (
	// KindVideo is a single video container file.
	KindVideo Kind = iota
	// KindDirectory is a directory of still images.
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "video"
}

// Frame is one decoded image together with its position in the source sequence.
type Frame struct {
	Index int
	Mat   gocv.Mat
}

// A Source produces frames in order. Next returns io.EOF once the sequence is exhausted. The
// returned release func frees the frame and must be called once the caller is done with it.
// A Source is finite and is not restartable once consumed; Open the path again to re-read it.
type Source interface {
	Next(ctx context.Context) (Frame, func(), error)
	// FPS is the expected frame rate of the sequence.
	FPS() float64
	Close() error
}

// IsVideoPath reports whether the path has a known video extension.
func IsVideoPath(path string) bool {
	return lo.Contains(VideoExtensions, strings.ToLower(filepath.Ext(path)))
}

// IsImagePath reports whether the path has a known still image extension.
func IsImagePath(path string) bool {
	return lo.Contains(ImageExtensions, strings.ToLower(filepath.Ext(path)))
}

// Classify checks that the path exists and returns what kind of source it is.
func Classify(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "frame source %q", path)
	}
	if info.IsDir() {
		return KindDirectory, nil
	}
	if !IsVideoPath(path) {
		return 0, errors.Wrapf(ErrUnsupportedSource, "%q has extension %q, expected a directory or one of %v",
			path, filepath.Ext(path), VideoExtensions)
	}
	return KindVideo, nil
}

// Open returns a Source for a video file or a directory of images. The frame rate is the
// expected rate of the sequence; for videos a non-positive value falls back to the container's.
func Open(path string, fps float64) (Source, error) {
	kind, err := Classify(path)
	if err != nil {
		return nil, err
	}
	if kind == KindDirectory {
		return NewDirectorySource(path, fps)
	}
	return NewVideoFileSource(path, fps)
}
