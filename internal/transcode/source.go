package transcode

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmylchreest/pvrd/internal/fsutil"
)

// SourceRef shares one raw recording between the jobs transcoding it.
// The last job to release the reference disposes of the file, archived
// when an archive path is set and removed otherwise, and deletes the
// scratch directory. An abandoned reference keeps the scratch directory
// so the next backlog scan can retry the recording.
type SourceRef struct {
	mu        sync.Mutex
	Path      string
	Size      int64
	refs      int
	archive   string // destination path; empty means delete on release
	scratch   string // per-job directory removed after the last clean release
	abandoned bool
}

// NewSourceRef creates a reference held by refs jobs.
func NewSourceRef(path string, size int64, refs int, archivePath string) *SourceRef {
	return &SourceRef{
		Path:    path,
		Size:    size,
		refs:    refs,
		archive: archivePath,
		scratch: filepath.Dir(path),
	}
}

// Release drops one reference and disposes of the source when it was the
// last one. Once the source is archived or removed the scratch directory
// and any encoder litter inside it go too. A reference any job abandoned
// is never disposed of.
func (r *SourceRef) Release(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if r.abandoned {
		logger.Info("source recording left in scratch", slog.String("path", r.Path))
		return
	}

	if r.archive != "" {
		dst, err := fsutil.UniquePath(r.archive)
		if err == nil {
			err = fsutil.MoveFile(r.Path, dst)
		}
		if err != nil {
			logger.Error("archiving source recording",
				slog.String("path", r.Path),
				slog.Any("error", err))
			return
		}
		logger.Info("source recording archived",
			slog.String("path", r.Path),
			slog.String("archive", dst))
		r.removeScratch(logger)
		return
	}

	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing source recording",
			slog.String("path", r.Path),
			slog.Any("error", err))
		return
	}
	r.removeScratch(logger)
}

// Abandon drops one reference without ever disposing of the file. An
// abandoned source stays in scratch so the next backlog scan can retry
// it, even if a sibling job releases the last reference cleanly.
func (r *SourceRef) Abandon(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abandoned = true
	r.refs--
	if r.refs > 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("source recording left in scratch", slog.String("path", r.Path))
}

func (r *SourceRef) removeScratch(logger *slog.Logger) {
	if r.scratch == "" {
		return
	}
	if err := os.RemoveAll(r.scratch); err != nil {
		logger.Warn("removing scratch directory",
			slog.String("dir", r.scratch),
			slog.Any("error", err))
	}
}
