package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultName is the profile every lookup falls back to.
const DefaultName = "default"

// Registry is the set of named profiles loaded from a directory.
// Lookups that miss fall back to the default profile with a warning.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]*Profile
	logger   *slog.Logger
}

// NewRegistry creates a registry backed by a directory of YAML profile
// files. Each file yields one profile keyed by its basename.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Load reads every profile file in the registry directory.
// A profile named "default" must exist.
func (r *Registry) Load() error {
	loaded, err := r.loadDir()
	if err != nil {
		return err
	}
	if _, ok := loaded[DefaultName]; !ok {
		return fmt.Errorf("profile directory %s has no %q profile", r.dir, DefaultName)
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()

	r.logger.Info("profiles loaded",
		slog.String("dir", r.dir),
		slog.Int("count", len(loaded)))
	return nil
}

// Refresh re-reads the profile directory, replacing entries in place.
// The previous set is kept when the reload fails.
func (r *Registry) Refresh() error {
	return r.Load()
}

func (r *Registry) loadDir() (map[string]*Profile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading profile %s: %w", name, err)
		}
		p, err := Parse(name, data)
		if err != nil {
			return nil, err
		}
		loaded[name] = p
	}
	return loaded, nil
}

// Get returns the named profile, falling back to the default profile
// with a logged warning when the name is unknown.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[name]; ok {
		return p
	}
	r.logger.Warn("unknown profile, using default", slog.String("profile", name))
	return r.profiles[DefaultName]
}

// Has reports whether the named profile exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.profiles[name]
	return ok
}

// Names returns the sorted profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
