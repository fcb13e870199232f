package calibration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gocv.io/x/gocv"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

// fakeVideoSink stands in for the video encoder; Commit writes a placeholder file.
type fakeVideoSink struct {
	path      string
	indices   []int
	committed bool
	aborted   bool
	failWrite bool
}

func newFakeVideoSink(path string) *fakeVideoSink {
	return &fakeVideoSink{path: path}
}

func (fs *fakeVideoSink) Write(index int, _ gocv.Mat) error {
	if fs.failWrite {
		return errors.New("encoder broke")
	}
	fs.indices = append(fs.indices, index)
	return nil
}

func (fs *fakeVideoSink) Path() string { return fs.path }

func (fs *fakeVideoSink) Frames() int { return len(fs.indices) }

func (fs *fakeVideoSink) Commit() error {
	fs.committed = true
	return os.WriteFile(fs.path, []byte("video"), 0o644)
}

func (fs *fakeVideoSink) Abort() error {
	fs.aborted = true
	return nil
}

func testSource(t *testing.T) Source {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "board")
	test.That(t, os.MkdirAll(dir, 0o755), test.ShouldBeNil)
	src, err := NewSource(dir)
	test.That(t, err, test.ShouldBeNil)
	return src
}

func TestStoreLoadEmpty(t *testing.T) {
	store := NewStore(logging.NewTestLogger(t))
	res, found, err := store.Load(testSource(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)
	test.That(t, res, test.ShouldResemble, Result{})
}

func TestStoreInconsistentState(t *testing.T) {
	store := NewStore(logging.NewTestLogger(t))

	src := testSource(t)
	test.That(t, os.WriteFile(src.DebugVideoPath(), []byte("video"), 0o644), test.ShouldBeNil)
	_, _, err := store.Load(src)
	test.That(t, errors.Is(err, ErrInconsistentState), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, src.DebugVideoPath())
	test.That(t, err.Error(), test.ShouldContainSubstring, src.RecordPath())

	src = testSource(t)
	test.That(t, os.WriteFile(src.RecordPath(), []byte("{}"), 0o644), test.ShouldBeNil)
	_, _, err = store.Load(src)
	test.That(t, errors.Is(err, ErrInconsistentState), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, src.DebugVideoPath())
	test.That(t, err.Error(), test.ShouldContainSubstring, src.RecordPath())
}

func TestStoreSaveAndLoad(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	store := NewStore(logger)
	store.Now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	src := testSource(t)
	video := newFakeVideoSink(src.DebugVideoPath())
	test.That(t, video.Write(0, gocv.Mat{}), test.ShouldBeNil)
	test.That(t, video.Write(3, gocv.Mat{}), test.ShouldBeNil)

	test.That(t, store.Save(src, testResult(), video), test.ShouldBeNil)
	test.That(t, video.committed, test.ShouldBeTrue)
	_, err := os.Stat(imagesource.PartPath(src.RecordPath()))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	res, found, err := store.Load(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, res, test.ShouldResemble, testResult())
	stored := logs.FilterMessage("stored calibration").All()
	test.That(t, stored, test.ShouldHaveLength, 1)
	test.That(t, stored[0].ContextMap()["video_frames"], test.ShouldEqual, int64(2))
	test.That(t, logs.FilterMessage("loaded cached calibration").Len(), test.ShouldEqual, 1)

	// loads hand out copies
	res.DistCoeffs[0] = 42
	again, _, err := store.Load(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, testResult())
}

func TestStoreSaveRefusesInvalid(t *testing.T) {
	store := NewStore(logging.NewTestLogger(t))
	src := testSource(t)

	bad := testResult()
	bad.CameraMatrix[0][0] = 0
	video := newFakeVideoSink(src.DebugVideoPath())
	test.That(t, store.Save(src, bad, video), test.ShouldNotBeNil)
	test.That(t, video.committed, test.ShouldBeFalse)
	_, found, err := store.Load(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeFalse)
	_, err = os.Stat(imagesource.PartPath(src.RecordPath()))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	test.That(t, store.Save(src, testResult(), nil), test.ShouldNotBeNil)
	test.That(t, store.Save(src, testResult(), newFakeVideoSink(filepath.Join(t.TempDir(), "x.mp4"))), test.ShouldNotBeNil)
}

func TestStoreLock(t *testing.T) {
	store := NewStore(logging.NewTestLogger(t))
	src := testSource(t)

	unlock, err := store.Lock(context.Background(), src)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = store.Lock(ctx, src)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, unlock(), test.ShouldBeNil)
	unlock, err = store.Lock(context.Background(), src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, unlock(), test.ShouldBeNil)
}

func TestStoreCleanStale(t *testing.T) {
	store := NewStore(logging.NewTestLogger(t))
	src := testSource(t)
	for _, p := range src.Temporaries() {
		test.That(t, os.WriteFile(p, []byte("partial"), 0o644), test.ShouldBeNil)
	}
	test.That(t, os.MkdirAll(src.DebugFramesDir(), 0o755), test.ShouldBeNil)

	test.That(t, store.CleanStale(src, false), test.ShouldBeNil)
	for _, p := range src.Temporaries() {
		_, err := os.Stat(p)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	}
	_, err := os.Stat(src.DebugFramesDir())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, store.CleanStale(src, true), test.ShouldBeNil)
	_, err = os.Stat(src.DebugFramesDir())
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}
