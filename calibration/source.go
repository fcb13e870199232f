package calibration

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/camcalib/rimage/imagesource"
)

// Suffixes appended to a source stem for derived artifacts. A source whose own name ends in
// one of them is refused so that outputs never collide with inputs.
const (
	CheckerboardsSuffix = "_checkerboards"
	UndistortedSuffix   = "_undistorted"
	CalibrationSuffix   = "_calibration"
	ReprojectionSuffix  = "_reprojection"
)

// ReservedSuffixes are the stems a source may not end with.
var ReservedSuffixes = []string{CheckerboardsSuffix, UndistortedSuffix, CalibrationSuffix, ReprojectionSuffix}

// Source is a checkerboard board source on disk together with the artifacts derived from it.
type Source struct {
	Path string
	Kind imagesource.Kind
}

// NewSource validates a board source path: it must exist, be a directory or a known video
// container, and not be named like one of its own artifacts.
func NewSource(path string) (Source, error) {
	if path == "" {
		return Source{}, errors.Wrap(ErrInvalidInput, "empty board source path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Source{}, errors.Wrapf(ErrInvalidInput, "resolving %q: %v", path, err)
	}
	kind, err := imagesource.Classify(abs)
	if err != nil {
		return Source{}, errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	src := Source{Path: abs, Kind: kind}
	if err := checkNotReserved(src.Path, src.Stem()); err != nil {
		return Source{}, err
	}
	return src, nil
}

// Stem is the base name of the source without its extension. Directory names are used whole.
func (s Source) Stem() string {
	if s.Kind == imagesource.KindDirectory {
		return filepath.Base(s.Path)
	}
	return stem(s.Path)
}

// Dir is the directory the artifacts are written next to.
func (s Source) Dir() string {
	return filepath.Dir(s.Path)
}

func (s Source) derived(suffix, ext string) string {
	return filepath.Join(s.Dir(), s.Stem()+suffix+ext)
}

// DebugVideoPath is the annotated detection video, written together with the record.
func (s Source) DebugVideoPath() string {
	return s.derived(CheckerboardsSuffix, ".mp4")
}

// DebugFramesDir holds one annotated JPEG per detection in debug mode.
func (s Source) DebugFramesDir() string {
	return s.derived(CheckerboardsSuffix, "")
}

// RecordPath is the persisted calibration result.
func (s Source) RecordPath() string {
	return s.derived(CalibrationSuffix, ".json")
}

// ReprojectionPlotPath is the per-frame error chart written in debug mode.
func (s Source) ReprojectionPlotPath() string {
	return s.derived(ReprojectionSuffix, ".png")
}

// LockPath is the file locked while the source's artifacts are read or written.
func (s Source) LockPath() string {
	return filepath.Join(s.Dir(), "."+s.Stem()+CalibrationSuffix+".lock")
}

// Artifacts lists every path derived from the source.
func (s Source) Artifacts() []string {
	return []string{s.DebugVideoPath(), s.DebugFramesDir(), s.RecordPath(), s.ReprojectionPlotPath(), s.LockPath()}
}

// Temporaries lists the in-progress paths an interrupted run may leave behind.
func (s Source) Temporaries() []string {
	return []string{
		imagesource.PartPath(s.DebugVideoPath()),
		imagesource.PartPath(s.DebugFramesDir()),
		imagesource.PartPath(s.RecordPath()),
		imagesource.PartPath(s.ReprojectionPlotPath()),
	}
}

func (s Source) String() string {
	return s.Kind.String() + " " + s.Path
}

// UndistortedDir is where the undistorted frames of a target video are written.
func UndistortedDir(target string) string {
	return filepath.Join(filepath.Dir(target), stem(target)+UndistortedSuffix)
}

// CheckTarget validates the video to undistort.
func CheckTarget(target string) (string, error) {
	if target == "" {
		return "", errors.Wrap(ErrInvalidInput, "empty target video path")
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInput, "resolving %q: %v", target, err)
	}
	kind, err := imagesource.Classify(abs)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInput, "%v", err)
	}
	if kind != imagesource.KindVideo {
		return "", errors.Wrapf(ErrInvalidInput, "target %q must be a video file", abs)
	}
	if err := checkNotReserved(abs, stem(abs)); err != nil {
		return "", err
	}
	return abs, nil
}

func checkNotReserved(path, name string) error {
	for _, suffix := range ReservedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return errors.Wrapf(ErrInvalidInput, "%q ends with the reserved suffix %q", path, suffix)
		}
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
