package calibration

import (
	"context"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/camcalib/logging"
	"go.viam.com/camcalib/rimage/imagesource"
)

// lockRetryDelay is how often a held lock is retried.
const lockRetryDelay = 100 * time.Millisecond

// Store persists calibration results next to their board source. A result is only considered
// present when both the record and the debug video exist.
type Store struct {
	Logger logging.Logger
	// Now is the clock used for record timestamps.
	Now func() time.Time
}

// NewStore returns a store that logs to logger.
func NewStore(logger logging.Logger) *Store {
	return &Store{Logger: logger, Now: time.Now}
}

// Lock takes the per-source file lock, waiting until ctx is done. Both loads and saves should
// run while the lock is held.
func (s *Store) Lock(ctx context.Context, src Source) (func() error, error) {
	fl := flock.New(src.LockPath())
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, errors.Wrapf(err, "locking %q", src.LockPath())
	}
	if !locked {
		return nil, errors.Errorf("could not lock %q", src.LockPath())
	}
	return fl.Unlock, nil
}

// Load returns the stored result for src. found is false when neither artifact exists. When
// only one of them exists the state is ErrInconsistentState.
func (s *Store) Load(src Source) (Result, bool, error) {
	videoExists, err := exists(src.DebugVideoPath())
	if err != nil {
		return Result{}, false, err
	}
	recordExists, err := exists(src.RecordPath())
	if err != nil {
		return Result{}, false, err
	}
	switch {
	case !videoExists && !recordExists:
		return Result{}, false, nil
	case videoExists && !recordExists:
		return Result{}, false, newInconsistentStateError(src.DebugVideoPath(), src.RecordPath())
	case !videoExists && recordExists:
		return Result{}, false, newInconsistentStateError(src.RecordPath(), src.DebugVideoPath())
	}

	//nolint:gosec
	f, err := os.Open(src.RecordPath())
	if err != nil {
		return Result{}, false, errors.Wrapf(err, "reading %q", src.RecordPath())
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger().Warnw("closing calibration record", "path", src.RecordPath(), "error", err)
		}
	}()
	res, info, err := DecodeRecord(f)
	if err != nil {
		return Result{}, false, errors.Wrapf(err, "reading %q", src.RecordPath())
	}
	s.logger().Infow("loaded cached calibration", "path", src.RecordPath(), "run_id", info.RunID,
		"created_at", info.CreatedAt, "frames", len(res.FrameIndices))
	return res.Clone(), true, nil
}

// Save writes the record for res and commits the debug video sink, so that both artifacts
// appear together. On failure neither is left in its final location by this call.
func (s *Store) Save(src Source, res Result, video imagesource.Sink) (err error) {
	if video == nil {
		return errors.New("a calibration is only stored together with its debug video")
	}
	if video.Path() != src.DebugVideoPath() {
		return errors.Errorf("debug video sink writes %q, expected %q", video.Path(), src.DebugVideoPath())
	}
	tmp := imagesource.PartPath(src.RecordPath())
	defer func() {
		if err != nil {
			err = multierr.Combine(err, removeIfExists(tmp))
		}
	}()

	//nolint:gosec
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "writing %q", tmp)
	}
	info := RecordInfo{RunID: uuid.NewString(), CreatedAt: s.now(), Source: src.Path}
	if err := EncodeRecord(f, res, info); err != nil {
		return multierr.Combine(errors.Wrapf(err, "writing %q", tmp), f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Combine(errors.Wrapf(err, "syncing %q", tmp), f.Close())
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", tmp)
	}
	if err := video.Commit(); err != nil {
		return err
	}
	if err := os.Rename(tmp, src.RecordPath()); err != nil {
		// keep the pair consistent
		return multierr.Combine(errors.Wrapf(err, "finalizing %q", src.RecordPath()),
			removeIfExists(src.DebugVideoPath()))
	}
	fields := []interface{}{"path", src.RecordPath(), "run_id", info.RunID, "video", video.Path()}
	if counted, ok := video.(interface{ Frames() int }); ok {
		fields = append(fields, "video_frames", counted.Frames())
	}
	s.logger().Infow("stored calibration", fields...)
	return nil
}

// CleanStale removes what an interrupted run may have left next to src. In debug mode the
// previous debug frames and plot go too, since the run about to start rewrites them. It must
// only be called when no result is stored.
func (s *Store) CleanStale(src Source, debug bool) error {
	paths := src.Temporaries()
	if debug {
		paths = append(paths, src.DebugFramesDir(), src.ReprojectionPlotPath())
	}
	var err error
	for _, p := range paths {
		if ok, _ := exists(p); ok {
			s.logger().Infow("removing stale artifact", "path", p)
		}
		err = multierr.Combine(err, removeIfExists(p))
	}
	return err
}

func (s *Store) logger() logging.Logger {
	if s.Logger == nil {
		return logging.NewBlankLogger("store")
	}
	return s.Logger
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking %q", path)
}

func removeIfExists(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "removing %q", path)
	}
	return nil
}
