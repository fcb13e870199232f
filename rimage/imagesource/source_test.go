package imagesource

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

func writeTestImage(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(shade), float64(shade), float64(shade), 0), 24, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	test.That(t, gocv.IMWrite(path, img), test.ShouldBeTrue)
}

func TestPartPath(t *testing.T) {
	test.That(t, PartPath("a/b.mp4"), test.ShouldEqual, "a/b.part.mp4")
	test.That(t, PartPath("a/b_calibration.json"), test.ShouldEqual, "a/b_calibration.part.json")
	test.That(t, PartPath("a/b"), test.ShouldEqual, "a/b.part")
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()

	kind, err := Classify(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kind, test.ShouldEqual, KindDirectory)
	test.That(t, kind.String(), test.ShouldEqual, "directory")

	video := filepath.Join(dir, "board.MP4")
	test.That(t, os.WriteFile(video, nil, 0o644), test.ShouldBeNil)
	kind, err = Classify(video)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kind, test.ShouldEqual, KindVideo)

	text := filepath.Join(dir, "board.txt")
	test.That(t, os.WriteFile(text, nil, 0o644), test.ShouldBeNil)
	_, err = Classify(text)
	test.That(t, errors.Is(err, ErrUnsupportedSource), test.ShouldBeTrue)

	_, err = Classify(filepath.Join(dir, "missing.mp4"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, os.IsNotExist(errors.Cause(err)), test.ShouldBeTrue)
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "b.png"), 20)
	writeTestImage(t, filepath.Join(dir, "a.png"), 10)
	test.That(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755), test.ShouldBeNil)
	writeTestImage(t, filepath.Join(dir, "nested", "c.png"), 30)
	// skipped: hidden, in progress, and not an image
	writeTestImage(t, filepath.Join(dir, ".hidden.png"), 40)
	test.That(t, os.MkdirAll(filepath.Join(dir, "out.part"), 0o755), test.ShouldBeNil)
	writeTestImage(t, filepath.Join(dir, "out.part", "d.png"), 50)
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644), test.ShouldBeNil)

	src, err := Open(dir, 12)
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()
	test.That(t, src.FPS(), test.ShouldEqual, 12)
	test.That(t, src.(*DirectorySource).Len(), test.ShouldEqual, 3)

	ctx := context.Background()
	var shades []uint8
	for i := 0; ; i++ {
		frame, release, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Index, test.ShouldEqual, i)
		test.That(t, frame.Mat.Cols(), test.ShouldEqual, 32)
		test.That(t, frame.Mat.Rows(), test.ShouldEqual, 24)
		shades = append(shades, frame.Mat.GetVecbAt(0, 0)[0])
		release()
	}
	test.That(t, shades, test.ShouldResemble, []uint8{10, 20, 30})

	_, _, err = src.Next(ctx)
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestDirectorySourceCanceled(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "a.png"), 10)
	src, err := NewDirectorySource(dir, 1)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = src.Next(ctx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestDirectorySourceEmpty(t *testing.T) {
	src, err := NewDirectorySource(t.TempDir(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Len(), test.ShouldEqual, 0)
	_, _, err = src.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
}

func TestDirectorySink(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "frames")

	sink, err := NewDirectorySink(out, "frame")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.Path(), test.ShouldEqual, out)
	test.That(t, sink.FrameName(7), test.ShouldEqual, "frame_00000007.jpg")

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 16, 16, gocv.MatTypeCV8UC3)
	defer img.Close()
	test.That(t, sink.Write(0, img), test.ShouldBeNil)
	test.That(t, sink.Write(3, img), test.ShouldBeNil)

	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	test.That(t, sink.Commit(), test.ShouldBeNil)

	entries, err := os.ReadDir(out)
	test.That(t, err, test.ShouldBeNil)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	test.That(t, names, test.ShouldResemble, []string{"frame_00000000.jpg", "frame_00000003.jpg"})
	_, err = os.Stat(PartPath(out))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	test.That(t, sink.Write(4, img), test.ShouldNotBeNil)
	test.That(t, sink.Commit(), test.ShouldNotBeNil)

	_, err = NewDirectorySink(out, "frame")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDirectorySinkAbort(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames")
	sink, err := NewDirectorySink(out, "checkerboard")
	test.That(t, err, test.ShouldBeNil)
	img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer img.Close()
	test.That(t, sink.Write(0, img), test.ShouldBeNil)

	test.That(t, sink.Abort(), test.ShouldBeNil)
	_, err = os.Stat(PartPath(out))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestVideoSinkValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	_, err := NewVideoSink(path, 0, image.Pt(64, 48))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewVideoSink(path, 30, image.Point{})
	test.That(t, err, test.ShouldNotBeNil)
}

