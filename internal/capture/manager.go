package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// CompleteFunc receives the result of a cleanly finished capture.
type CompleteFunc func(*Result)

// Ongoing describes one active capture for status reporting.
type Ongoing struct {
	Device  int
	EntryID string
	Title   string
	Channel string
	Started time.Time
	End     time.Time
}

type slot struct {
	cancel  context.CancelFunc
	entry   *catalog.Entry
	started time.Time
}

// Manager owns the capture slots, one per device. Starting a capture
// claims its device slot for the duration; a device with an occupied
// slot rejects further captures until the worker returns.
type Manager struct {
	mu         sync.Mutex
	cfg        config.CaptureConfig
	storage    config.StorageConfig
	opener     Opener
	slots      map[int]*slot
	wg         sync.WaitGroup
	onComplete CompleteFunc
	logger     *slog.Logger
}

// NewManager creates a capture manager. onComplete is invoked for every
// capture that runs to its scheduled end; cancelled or failed captures
// are not handed off.
func NewManager(cfg config.CaptureConfig, storage config.StorageConfig, opener Opener, onComplete CompleteFunc) *Manager {
	return &Manager{
		cfg:        cfg,
		storage:    storage,
		opener:     opener,
		slots:      make(map[int]*slot),
		onComplete: onComplete,
		logger:     slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// Occupied reports whether a device has an active capture.
func (m *Manager) Occupied(device int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[device] != nil
}

// List returns the active captures ordered by device index.
func (m *Manager) List() []Ongoing {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Ongoing, 0, len(m.slots))
	for device, s := range m.slots {
		out = append(out, Ongoing{
			Device:  device,
			EntryID: s.entry.ID,
			Title:   s.entry.Title,
			Channel: s.entry.Channel,
			Started: s.started,
			End:     s.entry.End,
		})
	}
	sortOngoing(out)
	return out
}

// Start claims the entry's device slot and launches the capture worker.
func (m *Manager) Start(ctx context.Context, entry *catalog.Entry, prof *profile.Profile) error {
	m.mu.Lock()
	if m.slots[entry.Device] != nil {
		m.mu.Unlock()
		return fmt.Errorf("device %d is busy", entry.Device)
	}

	dev, err := m.opener(entry.Device)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("opening device %d: %w", entry.Device, err)
	}
	if err := dev.Setup(prof.Capture, m.cfg.Controls); err != nil {
		dev.Close()
		m.mu.Unlock()
		return err
	}
	if err := dev.Tune(entry.Channel); err != nil {
		dev.Close()
		m.mu.Unlock()
		return err
	}

	scratch := m.storage.ScratchPath(entry.Device, entry.Basename)
	worker := NewWorker(dev, entry, prof, scratch).
		WithLogger(m.logger).
		WithReadTimeout(m.cfg.ReadTimeout, m.cfg.IgnoreReadTimeouts)

	cctx, cancel := context.WithCancel(ctx)
	m.slots[entry.Device] = &slot{cancel: cancel, entry: entry, started: time.Now()}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(cctx, cancel, dev, worker, entry)
	return nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, dev Device, worker *Worker, entry *catalog.Entry) {
	defer m.wg.Done()
	defer cancel()

	res, err := worker.Run(ctx)
	if cerr := dev.Close(); cerr != nil {
		m.logger.Warn("closing device", slog.Int("device", entry.Device), slog.Any("error", cerr))
	}

	m.mu.Lock()
	delete(m.slots, entry.Device)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("capture failed",
			slog.String("id", entry.ID),
			slog.Int("device", entry.Device),
			slog.Any("error", err))
		return
	}
	if res.Cancelled {
		return
	}

	if m.cfg.UsePostRecScript && m.cfg.PostRecScript != "" {
		if err := execScript(m.cfg.PostRecScript, res.Path); err != nil {
			m.logger.Warn("post-recording script failed", slog.Any("error", err))
		}
	}
	if m.onComplete != nil {
		m.onComplete(res)
	}
}

// Cancel aborts the capture on a device.
func (m *Manager) Cancel(device int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[device]
	if s == nil {
		return fmt.Errorf("no capture on device %d", device)
	}
	m.logger.Info("cancelling capture",
		slog.Int("device", device),
		slog.String("id", s.entry.ID))
	s.cancel()
	return nil
}

// CancelAll aborts every capture and waits up to grace for the workers
// to drain. Returns false if the wait timed out.
func (m *Manager) CancelAll(grace time.Duration) bool {
	m.mu.Lock()
	for _, s := range m.slots {
		s.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func sortOngoing(list []Ongoing) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].Device < list[j-1].Device; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// NewDeviceOpener returns an Opener mapping device indices to the
// configured device nodes, sharing one frequency map and controller
// configuration across devices.
func NewDeviceOpener(cfg config.CaptureConfig, freqs *FrequencyMap, logger *slog.Logger) Opener {
	return func(index int) (Device, error) {
		if index < 0 || index >= len(cfg.Devices) {
			return nil, fmt.Errorf("no device configured at index %d", index)
		}
		var ctrl Controller = NoopController{}
		if cfg.ExternalSwitch && cfg.ExternalSwitchCmd != "" {
			ctrl = NewScriptController(cfg.ExternalSwitchCmd, logger)
		}
		return OpenFileDevice(cfg.Devices[index], FileDeviceConfig{
			Controller:  ctrl,
			Frequencies: freqs,
			TunerInput:  cfg.TunerInputIndex,
			InputPrefix: cfg.InputSourcePrefix,
			Logger:      logger,
		})
	}
}
