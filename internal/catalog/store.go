package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Sentinel errors returned by catalog mutations.
var (
	// ErrConflict is returned when a new entry overlaps an existing
	// entry on every available device.
	ErrConflict = errors.New("catalog conflict")
	// ErrFull is returned when the catalog has reached its entry limit.
	ErrFull = errors.New("catalog full")
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("entry not found")
)

// Store is the in-memory recording catalog with snapshot persistence.
// All mutations happen under one coarse lock; the on-disk snapshot is
// rewritten inside the same lock region so persisted state never lags an
// acknowledged operation.
type Store struct {
	mu         sync.Mutex
	numDevices int
	maxEntries int
	byDevice   [][]*Entry // per device, sorted by non-decreasing start
	path       string     // snapshot path; empty disables persistence
	logger     *slog.Logger
}

// NewStore creates a catalog store for numDevices capture devices.
// path is the snapshot file; an empty path disables persistence.
func NewStore(numDevices, maxEntries int, path string) *Store {
	if numDevices < 1 {
		numDevices = 1
	}
	return &Store{
		numDevices: numDevices,
		maxEntries: maxEntries,
		byDevice:   make([][]*Entry, numDevices),
		path:       path,
		logger:     slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// NumDevices returns the number of capture devices the store schedules.
func (s *Store) NumDevices() int {
	return s.numDevices
}

// Add inserts an entry, assigning it to the lowest-index device whose
// existing entries do not overlap [Start,End). Returns the entry id, or
// ErrConflict when every device overlaps.
func (s *Store) Add(e *Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEntries > 0 && s.sizeLocked() >= s.maxEntries {
		return "", fmt.Errorf("%w: %d entries", ErrFull, s.maxEntries)
	}

	device := -1
	for v := 0; v < s.numDevices; v++ {
		if !s.overlapsLocked(v, e) {
			device = v
			break
		}
	}
	if device < 0 {
		return "", fmt.Errorf("%w: %s overlaps an existing entry on every device", ErrConflict, e.Title)
	}

	added := e.clone()
	if added.ID == "" {
		added.ID = NewID()
	}
	// Zero-value recurrence normalizes to "none" so snapshots are stable.
	if added.Recurrence.Kind == "" {
		added.Recurrence.Kind = RecurNone
	}
	added.Device = device
	s.insertLocked(device, added)

	if err := s.persistLocked(); err != nil {
		return "", err
	}

	s.logger.Info("recording added",
		slog.String("id", added.ID),
		slog.String("title", added.Title),
		slog.Int("device", device),
		slog.Time("start", added.Start))
	return added.ID, nil
}

// AddRecurring expands the template into count dated children and adds
// each. Children whose dates conflict on every device are skipped; the
// rest are committed. The conflicted start dates are reported alongside
// the committed ids.
func (s *Store) AddRecurring(template *Entry, kind RecurrenceKind, count int) (ids []string, conflicted []time.Time, err error) {
	if count < 1 {
		return nil, nil, fmt.Errorf("recurring count must be at least 1")
	}
	for _, child := range Expand(template, kind, count) {
		id, err := s.Add(child)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				conflicted = append(conflicted, child.Start)
				continue
			}
			return ids, conflicted, err
		}
		ids = append(ids, id)
	}
	return ids, conflicted, nil
}

// Delete removes the entry with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for v := range s.byDevice {
		for i, e := range s.byDevice[v] {
			if e.ID == id {
				s.byDevice[v] = append(s.byDevice[v][:i], s.byDevice[v][i+1:]...)
				if err := s.persistLocked(); err != nil {
					return err
				}
				s.logger.Info("recording deleted", slog.String("id", id))
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DeleteSeries removes the entry plus all future siblings sharing its
// recurrence base name. Returns the number of removed entries.
func (s *Store) DeleteSeries(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Entry
	for v := range s.byDevice {
		for _, e := range s.byDevice[v] {
			if e.ID == id {
				target = e
			}
		}
	}
	if target == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	base := target.SeriesBase()
	removed := 0
	for v := range s.byDevice {
		kept := s.byDevice[v][:0]
		for _, e := range s.byDevice[v] {
			if e.ID == id || (e.SeriesBase() == base && !e.Start.Before(target.Start)) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.byDevice[v] = kept
	}

	if err := s.persistLocked(); err != nil {
		return removed, err
	}
	s.logger.Info("recording series deleted",
		slog.String("id", id),
		slog.String("base", base),
		slog.Int("removed", removed))
	return removed, nil
}

// Head returns a copy of the lowest-start entry for a device, or nil.
func (s *Store) Head(device int) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device < 0 || device >= s.numDevices || len(s.byDevice[device]) == 0 {
		return nil
	}
	return s.byDevice[device][0].clone()
}

// RemoveHead pops the head entry for a device and persists the catalog.
func (s *Store) RemoveHead(device int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device < 0 || device >= s.numDevices || len(s.byDevice[device]) == 0 {
		return
	}
	s.byDevice[device] = s.byDevice[device][1:]
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persisting catalog after head removal", slog.Any("error", err))
	}
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for v := range s.byDevice {
		for _, e := range s.byDevice[v] {
			if e.ID == id {
				return e.clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns copies of all entries ordered by device then start.
func (s *Store) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Size returns the number of entries in the catalog.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

// Snapshot serializes the catalog to the on-disk format.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return marshalEntries(s.listLocked())
}

// Load replaces the catalog atomically from snapshot bytes. Entries keep
// their recorded device assignment when it is still valid and disjoint,
// and are reassigned otherwise.
func (s *Store) Load(data []byte) error {
	entries, err := unmarshalEntries(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byDevice := make([][]*Entry, s.numDevices)
	rebuilt := &Store{numDevices: s.numDevices, byDevice: byDevice}
	for _, e := range entries {
		placed := false
		// Prefer the recorded device so operator-visible indices survive
		// a reload.
		if e.Device >= 0 && e.Device < s.numDevices && !rebuilt.overlapsLocked(e.Device, e) {
			rebuilt.insertLocked(e.Device, e)
			placed = true
		} else {
			for v := 0; v < s.numDevices; v++ {
				if !rebuilt.overlapsLocked(v, e) {
					e.Device = v
					rebuilt.insertLocked(v, e)
					placed = true
					break
				}
			}
		}
		if !placed {
			s.logger.Warn("dropping conflicting entry on load",
				slog.String("id", e.ID),
				slog.String("title", e.Title))
		}
	}

	s.byDevice = byDevice
	return s.persistLocked()
}

// LoadFile loads the catalog from its snapshot path, if the file exists.
func (s *Store) LoadFile() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading catalog snapshot: %w", err)
	}
	return s.Load(data)
}

// Persist writes the snapshot file outside a mutation, for shutdown.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) sizeLocked() int {
	n := 0
	for v := range s.byDevice {
		n += len(s.byDevice[v])
	}
	return n
}

func (s *Store) listLocked() []*Entry {
	out := make([]*Entry, 0, s.sizeLocked())
	for v := range s.byDevice {
		for _, e := range s.byDevice[v] {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (s *Store) overlapsLocked(device int, e *Entry) bool {
	for _, x := range s.byDevice[device] {
		if x.Overlaps(e) {
			return true
		}
	}
	return false
}

func (s *Store) insertLocked(device int, e *Entry) {
	list := s.byDevice[device]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Start.After(e.Start)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	s.byDevice[device] = list
}

// persistLocked rewrites the snapshot file while holding the lock.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := marshalEntries(s.listLocked())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing catalog snapshot: %w", err)
	}
	return nil
}
