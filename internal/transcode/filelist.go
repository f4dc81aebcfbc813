package transcode

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/catalog"
)

// RecoverBacklog scans the per-job scratch directories for raw
// recordings left behind by a previous run, abandoned admissions or
// failed transcodes, and feeds them back into the queue. Starts are
// spaced by the filelist cooldown so a large backlog does not slam the
// host the moment the daemon comes up.
func (c *Coordinator) RecoverBacklog(ctx context.Context, numDevices int) {
	var paths []string
	for device := 0; device < numDevices; device++ {
		dir := c.storage.ScratchDir(device, "")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				c.logger.Warn("reading scratch directory",
					slog.String("dir", dir), slog.Any("error", err))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			jobDir := filepath.Join(dir, e.Name())
			files, ferr := os.ReadDir(jobDir)
			if ferr != nil {
				c.logger.Warn("reading scratch directory",
					slog.String("dir", jobDir), slog.Any("error", ferr))
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp2") {
					continue
				}
				paths = append(paths, filepath.Join(jobDir, f.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return
	}

	c.logger.Info("recovering leftover recordings", slog.Int("count", len(paths)))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for i, path := range paths {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.FilelistCooldown):
				}
			}
			base := strings.TrimSuffix(filepath.Base(path), ".mp2")
			c.Enqueue(&capture.Result{
				Entry: &catalog.Entry{
					ID:       catalog.NewID(),
					Title:    base,
					Basename: base,
					Profiles: []string{c.cfg.DefaultProfile},
				},
				Path: path,
			})
		}
	}()
}
