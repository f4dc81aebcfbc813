package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// chunkSize is the read granularity of the capture loop.
const chunkSize = 256 * 1024

// Result describes a finished capture.
type Result struct {
	Entry     *catalog.Entry
	Profile   *profile.Profile
	Path      string // scratch file holding the raw recording
	Bytes     int64
	Recorded  time.Duration
	Cancelled bool
}

// Worker records one catalog entry from one device into a scratch file.
type Worker struct {
	device         Device
	entry          *catalog.Entry
	prof           *profile.Profile
	path           string
	readTimeout    time.Duration
	ignoreTimeouts bool
	logger         *slog.Logger
	now            func() time.Time
}

// NewWorker builds a worker for a tuned, configured device. path is the
// scratch destination for the raw stream.
func NewWorker(device Device, entry *catalog.Entry, prof *profile.Profile, path string) *Worker {
	return &Worker{
		device:      device,
		entry:       entry,
		prof:        prof,
		path:        path,
		readTimeout: 10 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// WithLogger sets a custom logger.
func (w *Worker) WithLogger(logger *slog.Logger) *Worker {
	w.logger = logger
	return w
}

// WithReadTimeout sets the per-chunk readability timeout and whether a
// timeout aborts the recording or is ridden out.
func (w *Worker) WithReadTimeout(timeout time.Duration, ignore bool) *Worker {
	if timeout > 0 {
		w.readTimeout = timeout
	}
	w.ignoreTimeouts = ignore
	return w
}

// withClock overrides the time source, for tests.
func (w *Worker) withClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run streams the device into the scratch file until the entry's end
// time passes or ctx is cancelled. Cancellation is reported in the
// result rather than as an error so the caller can distinguish an
// operator abort from a device failure.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	out, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	defer out.Close()

	started := w.now()
	res := &Result{Entry: w.entry, Profile: w.prof, Path: w.path}
	buf := make([]byte, chunkSize)

	w.logger.Info("capture started",
		slog.String("id", w.entry.ID),
		slog.String("title", w.entry.Title),
		slog.String("channel", w.entry.Channel),
		slog.Int("device", w.entry.Device),
		slog.Time("end", w.entry.End))

	for {
		select {
		case <-ctx.Done():
			res.Cancelled = true
			res.Recorded = w.now().Sub(started)
			w.logger.Info("capture cancelled",
				slog.String("id", w.entry.ID),
				slog.Int64("bytes", res.Bytes))
			return res, nil
		default:
		}

		if !w.now().Before(w.entry.End) {
			break
		}

		if err := w.device.WaitReadable(w.readTimeout); err != nil {
			if errors.Is(err, ErrReadTimeout) {
				if w.ignoreTimeouts {
					w.logger.Warn("device read timeout, continuing",
						slog.String("id", w.entry.ID),
						slog.Int("device", w.entry.Device))
					continue
				}
				return res, fmt.Errorf("device %d stalled: %w", w.entry.Device, err)
			}
			return res, err
		}

		n, err := w.device.Read(buf)
		if err != nil {
			return res, err
		}
		if n == 0 {
			continue
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return res, fmt.Errorf("writing scratch file: %w", err)
		}
		res.Bytes += int64(n)
	}

	if err := out.Sync(); err != nil {
		return res, fmt.Errorf("syncing scratch file: %w", err)
	}
	res.Recorded = w.now().Sub(started)
	w.logger.Info("capture finished",
		slog.String("id", w.entry.ID),
		slog.Int64("bytes", res.Bytes),
		slog.Duration("recorded", res.Recorded))
	return res, nil
}
