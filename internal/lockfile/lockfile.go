// Package lockfile enforces single-instance operation with a pid file.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// Lock is a held pid file.
type Lock struct {
	path string
}

// Acquire writes the current pid to path. An existing file whose pid is
// still alive fails the acquire; a stale file is taken over.
func Acquire(path string) (*Lock, error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("already running with pid %d (lock %s)", pid, path)
		}
		// Stale lock from a dead process.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := renameio.WriteFile(path, []byte(pid), 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the pid file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// pidAlive reports whether a process with the pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
