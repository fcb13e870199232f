package imagesource

import (
	"context"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gocv.io/x/gocv"
)

// DirectorySource reads the still images under a directory (recursively) in lexical path order.
// Hidden entries and in-progress (".part") outputs are skipped.
type DirectorySource struct {
	dir   string
	fps   float64
	files []string

	mu   sync.Mutex
	next int
}

// NewDirectorySource lists the images under dir. An empty directory is a valid, empty source.
func NewDirectorySource(dir string, fps float64) (*DirectorySource, error) {
	files, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	return &DirectorySource{dir: dir, fps: fps, files: files}, nil
}

// ListImages returns the image files under dir, sorted.
func ListImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && (strings.HasPrefix(name, ".") || strings.HasSuffix(name, PartSuffix)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && IsImagePath(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing images in %q", dir)
	}
	sort.Strings(files)
	return files, nil
}

// Len is the number of frames in the directory.
func (ds *DirectorySource) Len() int {
	return len(ds.files)
}

// Next reads the next image in color.
func (ds *DirectorySource) Next(ctx context.Context) (Frame, func(), error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.files) {
		return Frame{}, nil, io.EOF
	}
	path := ds.files[ds.next]
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		utils.UncheckedErrorFunc(img.Close)
		return Frame{}, nil, errors.Errorf("could not decode image %q", path)
	}
	frame := Frame{Index: ds.next, Mat: img}
	ds.next++
	return frame, func() {
		utils.UncheckedErrorFunc(img.Close)
	}, nil
}

// FPS returns the expected frame rate.
func (ds *DirectorySource) FPS() float64 {
	return ds.fps
}

// Close is a no-op; images are read and released one at a time.
func (ds *DirectorySource) Close() error {
	return nil
}
