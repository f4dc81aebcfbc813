// Package stats maintains per-profile transcoding statistics, persisted
// as one file per profile and rewritten atomically after every update.
package stats

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// ProfileStats holds the running counters for one profile.
// Averages use a halving update: new = (prev + sample) / 2.
type ProfileStats struct {
	Profile    string `yaml:"profile"`
	NumSamples int64  `yaml:"num_samples"`
	// AvgSpeed is recorded seconds transcoded per elapsed minute.
	AvgSpeed float64 `yaml:"avg_speed"`
	// AvgMP2BytesPerMin is source bytes per recorded minute.
	AvgMP2BytesPerMin float64 `yaml:"avg_mp2_bytes_per_min"`
	// AvgMP4BytesPerMin is output bytes per recorded minute.
	AvgMP4BytesPerMin float64 `yaml:"avg_mp4_bytes_per_min"`
	// AvgLoad5 is the 5-minute load average observed during transcodes.
	AvgLoad5 float64 `yaml:"avg_load5"`

	TotalTranscodeMinutes float64 `yaml:"total_transcode_minutes"`
	TotalRecordedSeconds  float64 `yaml:"total_recorded_seconds"`
	TotalMP2Files         int64   `yaml:"total_mp2_files"`
	TotalMP4Files         int64   `yaml:"total_mp4_files"`

	UpdatedAt time.Time `yaml:"updated_at"`
}

// Sample is one completed transcode measurement.
type Sample struct {
	MP2Size         int64
	MP4Size         int64
	RecordedSeconds float64
	RealTime        time.Duration
	UserTime        time.Duration
	SysTime         time.Duration
	Load5           float64
}

// Aggregator owns the statistics directory. Updates for one profile are
// serialized under a lock; files are rewritten atomically.
type Aggregator struct {
	mu     sync.Mutex
	dir    string
	cache  map[string]*ProfileStats
	logger *slog.Logger
}

// NewAggregator creates an aggregator rooted at dir.
func NewAggregator(dir string) *Aggregator {
	return &Aggregator{
		dir:    dir,
		cache:  make(map[string]*ProfileStats),
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (a *Aggregator) WithLogger(logger *slog.Logger) *Aggregator {
	a.logger = logger
	return a
}

// Get returns the statistics record for a profile, creating a
// zero-initialized record on read miss.
func (a *Aggregator) Get(profile string) (*ProfileStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, err := a.loadLocked(profile)
	if err != nil {
		return nil, err
	}
	cp := *ps
	return &cp, nil
}

// Update folds one sample into a profile's record and rewrites its file.
func (a *Aggregator) Update(profile string, s Sample) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ps, err := a.loadLocked(profile)
	if err != nil {
		return err
	}

	elapsedMin := s.RealTime.Minutes()
	recordedMin := s.RecordedSeconds / 60

	if elapsedMin > 0 {
		ps.AvgSpeed = avg(ps.AvgSpeed, ps.NumSamples, s.RecordedSeconds/elapsedMin)
	}
	if recordedMin > 0 {
		ps.AvgMP2BytesPerMin = avg(ps.AvgMP2BytesPerMin, ps.NumSamples, float64(s.MP2Size)/recordedMin)
		ps.AvgMP4BytesPerMin = avg(ps.AvgMP4BytesPerMin, ps.NumSamples, float64(s.MP4Size)/recordedMin)
	}
	ps.AvgLoad5 = avg(ps.AvgLoad5, ps.NumSamples, s.Load5)

	ps.NumSamples++
	ps.TotalTranscodeMinutes += elapsedMin
	ps.TotalRecordedSeconds += s.RecordedSeconds
	ps.TotalMP2Files++
	ps.TotalMP4Files++
	ps.UpdatedAt = time.Now().UTC()

	if err := a.persistLocked(ps); err != nil {
		return err
	}

	a.logger.Info("statistics updated",
		slog.String("profile", profile),
		slog.Int64("num_samples", ps.NumSamples),
		slog.Float64("avg_speed", ps.AvgSpeed))
	return nil
}

// avg applies the halving average; the first sample seeds it directly.
func avg(prev float64, samples int64, sample float64) float64 {
	if samples == 0 {
		return sample
	}
	return (prev + sample) / 2
}

// All returns the records for every profile with a statistics file.
func (a *Aggregator) All() ([]*ProfileStats, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading statistics directory: %w", err)
	}

	var out []*ProfileStats
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		ps, err := a.Get(e.Name()[:len(e.Name())-len(".yaml")])
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}

// Persist rewrites every cached record, for shutdown.
func (a *Aggregator) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ps := range a.cache {
		if err := a.persistLocked(ps); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) path(profile string) string {
	return filepath.Join(a.dir, profile+".yaml")
}

func (a *Aggregator) loadLocked(profile string) (*ProfileStats, error) {
	if ps, ok := a.cache[profile]; ok {
		return ps, nil
	}

	ps := &ProfileStats{Profile: profile}
	data, err := os.ReadFile(a.path(profile))
	if err == nil {
		if err := yaml.Unmarshal(data, ps); err != nil {
			return nil, fmt.Errorf("parsing statistics for %s: %w", profile, err)
		}
		ps.Profile = profile
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading statistics for %s: %w", profile, err)
	}

	a.cache[profile] = ps
	return ps, nil
}

func (a *Aggregator) persistLocked(ps *ProfileStats) error {
	data, err := yaml.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encoding statistics for %s: %w", ps.Profile, err)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating statistics directory: %w", err)
	}
	if err := renameio.WriteFile(a.path(ps.Profile), data, 0o644); err != nil {
		return fmt.Errorf("writing statistics for %s: %w", ps.Profile, err)
	}
	return nil
}
