package imagesource

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
)

// PartSuffix marks an output that is still being written. Outputs are renamed into place on
// Commit, so a path without the suffix is always complete.
const PartSuffix = ".part"

// PartPath returns the in-progress path for an output. The extension is kept last so that
// encoders which pick a container by extension still work: "a/b.mp4" becomes "a/b.part.mp4".
func PartPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + PartSuffix + ext
}

// A Sink accepts frames in order and finalizes them atomically.
type Sink interface {
	// Write appends a frame. index is the frame's position in its source sequence.
	Write(index int, frame gocv.Mat) error
	// Path is the final location of the output.
	Path() string
	// Commit finishes the output and moves it to Path.
	Commit() error
	// Abort discards everything written so far.
	Abort() error
}

// VideoSink encodes frames into a video container at a fixed frame size. Frames of a different
// size are resized.
type VideoSink struct {
	path   string
	tmp    string
	size   image.Point
	writer *gocv.VideoWriter
	frames int
}

// VideoCodec is the fourcc used for written videos.
const VideoCodec = "mp4v"

// NewVideoSink opens a writer on the in-progress path of the video.
func NewVideoSink(path string, fps float64, size image.Point) (*VideoSink, error) {
	if fps <= 0 {
		return nil, errors.Errorf("video %q needs a positive frame rate, got %v", path, fps)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("video %q needs a positive frame size, got %v", path, size)
	}
	tmp := PartPath(path)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, err
	}
	writer, err := gocv.VideoWriterFile(tmp, VideoCodec, fps, size.X, size.Y, true)
	if err != nil {
		return nil, errors.Wrapf(err, "opening video writer %q", tmp)
	}
	if !writer.IsOpened() {
		utils.UncheckedErrorFunc(writer.Close)
		return nil, errors.Errorf("video writer %q could not be opened with codec %s", tmp, VideoCodec)
	}
	return &VideoSink{path: path, tmp: tmp, size: size, writer: writer}, nil
}

// Write appends a frame, resizing and converting to BGR as needed.
func (vs *VideoSink) Write(_ int, frame gocv.Mat) error {
	if vs.writer == nil {
		return errors.Errorf("video %q is already finalized", vs.path)
	}
	out := frame
	if frame.Channels() == 1 {
		bgr := gocv.NewMat()
		defer utils.UncheckedErrorFunc(bgr.Close)
		gocv.CvtColor(frame, &bgr, gocv.ColorGrayToBGR)
		out = bgr
	}
	if out.Cols() != vs.size.X || out.Rows() != vs.size.Y {
		resized := gocv.NewMat()
		defer utils.UncheckedErrorFunc(resized.Close)
		gocv.Resize(out, &resized, vs.size, 0, 0, gocv.InterpolationLinear)
		out = resized
	}
	if err := vs.writer.Write(out); err != nil {
		return errors.Wrapf(err, "writing frame %d to %q", vs.frames, vs.tmp)
	}
	vs.frames++
	return nil
}

// Frames is the number of frames written so far.
func (vs *VideoSink) Frames() int {
	return vs.frames
}

// Path returns the final video path.
func (vs *VideoSink) Path() string {
	return vs.path
}

// Commit closes the encoder and renames the video into place.
func (vs *VideoSink) Commit() error {
	if vs.writer == nil {
		return errors.Errorf("video %q is already finalized", vs.path)
	}
	err := vs.writer.Close()
	vs.writer = nil
	if err != nil {
		return errors.Wrapf(err, "closing video %q", vs.tmp)
	}
	return errors.Wrapf(os.Rename(vs.tmp, vs.path), "finalizing video %q", vs.path)
}

// Abort closes the encoder and removes the partial video.
func (vs *VideoSink) Abort() error {
	if vs.writer != nil {
		utils.UncheckedErrorFunc(vs.writer.Close)
		vs.writer = nil
	}
	if err := os.Remove(vs.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DirectorySink writes each frame as "<prefix>_<index, 8 digits>.jpg" into a directory.
type DirectorySink struct {
	dir    string
	tmp    string
	prefix string
	done   bool
}

// NewDirectorySink creates the in-progress directory. The final directory must not exist yet.
func NewDirectorySink(dir, prefix string) (*DirectorySink, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Errorf("output directory %q already exists", dir)
	}
	tmp := PartPath(dir)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", tmp)
	}
	return &DirectorySink{dir: dir, tmp: tmp, prefix: prefix}, nil
}

// FrameName is the file name used for the frame at index.
func (ds *DirectorySink) FrameName(index int) string {
	return fmt.Sprintf("%s_%08d.jpg", ds.prefix, index)
}

// Write encodes the frame as a JPEG named by its index.
func (ds *DirectorySink) Write(index int, frame gocv.Mat) error {
	if ds.done {
		return errors.Errorf("directory %q is already finalized", ds.dir)
	}
	path := filepath.Join(ds.tmp, ds.FrameName(index))
	if ok := gocv.IMWrite(path, frame); !ok {
		return errors.Errorf("could not write image %q", path)
	}
	return nil
}

// Path returns the final directory.
func (ds *DirectorySink) Path() string {
	return ds.dir
}

// Commit renames the directory into place.
func (ds *DirectorySink) Commit() error {
	if ds.done {
		return errors.Errorf("directory %q is already finalized", ds.dir)
	}
	ds.done = true
	return errors.Wrapf(os.Rename(ds.tmp, ds.dir), "finalizing directory %q", ds.dir)
}

// Abort removes the partial directory.
func (ds *DirectorySink) Abort() error {
	ds.done = true
	return os.RemoveAll(ds.tmp)
}
