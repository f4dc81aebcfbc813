// Package scheduler dispatches due catalog entries to capture devices.
// It polls the catalog heads on a fixed resolution and starts a capture
// when an entry's start time falls inside the dispatch window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/notify"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// staleThreshold is how far past its start time an undispatched entry may
// drift before it is dropped instead of started late.
const staleThreshold = 10 * time.Minute

// Scheduler polls the catalog and launches captures.
type Scheduler struct {
	mu       sync.Mutex
	store    *catalog.Store
	captures *capture.Manager
	profiles *profile.Registry
	notifier notify.Notifier

	resolution time.Duration
	logger     *slog.Logger
	now        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. resolutionSeconds is the polling period and
// the forward edge of the dispatch window, clamped to 1..10 seconds.
func New(store *catalog.Store, captures *capture.Manager, profiles *profile.Registry, resolutionSeconds int) *Scheduler {
	if resolutionSeconds < 1 {
		resolutionSeconds = 1
	}
	if resolutionSeconds > 10 {
		resolutionSeconds = 10
	}
	return &Scheduler{
		store:      store,
		captures:   captures,
		profiles:   profiles,
		notifier:   notify.Nop{},
		resolution: time.Duration(resolutionSeconds) * time.Second,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithNotifier sets the notification sink for dispatch failures.
func (s *Scheduler) WithNotifier(n notify.Notifier) *Scheduler {
	s.notifier = n
	return s
}

// withClock overrides the time source, for tests.
func (s *Scheduler) withClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started",
		slog.Duration("resolution", s.resolution),
		slog.Int("devices", s.store.NumDevices()))
	return nil
}

// Stop halts the polling loop. Running captures are not touched; the
// lifecycle manager cancels those separately.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick examines each device's head entry once. Exported so a forced
// re-check can run right after catalog mutations.
func (s *Scheduler) Tick() {
	now := s.now()
	for device := 0; device < s.store.NumDevices(); device++ {
		s.tickDevice(device, now)
	}
}

func (s *Scheduler) tickDevice(device int, now time.Time) {
	head := s.store.Head(device)
	if head == nil {
		return
	}

	delta := head.Start.Sub(now)
	switch {
	case delta > s.resolution:
		// Not due yet.
		return
	case delta < -staleThreshold:
		s.store.RemoveHead(device)
		s.logger.Warn("dropping stale entry",
			slog.String("id", head.ID),
			slog.String("title", head.Title),
			slog.Time("start", head.Start),
			slog.Duration("late_by", -delta))
		s.notifier.Notify(notify.Event{
			Kind:    notify.KindError,
			Subject: "recording dropped: " + head.Title,
			Body: fmt.Sprintf("Recording %q (start %s) was dropped: %s past its start time.",
				head.Title, head.Start.Format(time.RFC1123), -delta),
		})
		return
	}

	// Inside the dispatch window. A device still busy with the previous
	// capture keeps the entry queued; the overlap on its tail shortens
	// rather than loses the recording.
	if s.captures.Occupied(device) {
		s.logger.Debug("device busy, deferring entry",
			slog.Int("device", device),
			slog.String("id", head.ID))
		return
	}

	s.store.RemoveHead(device)
	prof := s.profiles.Get(captureProfile(head))
	if err := s.captures.Start(s.ctx, head, prof); err != nil {
		s.logger.Error("starting capture",
			slog.String("id", head.ID),
			slog.String("title", head.Title),
			slog.Int("device", device),
			slog.Any("error", err))
		s.notifier.Notify(notify.Event{
			Kind:    notify.KindError,
			Subject: "capture failed to start: " + head.Title,
			Body:    fmt.Sprintf("Recording %q on device %d could not start: %v.", head.Title, device, err),
		})
	}
}

// captureProfile returns the profile that governs capture parameters.
// With multiple transcoding profiles attached, the first one drives the
// hardware settings.
func captureProfile(e *catalog.Entry) string {
	if len(e.Profiles) > 0 {
		return e.Profiles[0]
	}
	return profile.DefaultName
}
