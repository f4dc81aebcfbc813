package daemon

import (
	"log/slog"
	"os/exec"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/notify"
)

// shutdownChecker powers the host off when the machine has been idle
// long enough. The idle conditions must hold continuously for the
// configured delay before the script runs; any activity resets the
// countdown.
type shutdownChecker struct {
	cfg    config.ShutdownConfig
	daemon *Daemon
	logger *slog.Logger

	idleSince time.Time
}

func newShutdownChecker(cfg config.ShutdownConfig, d *Daemon, logger *slog.Logger) *shutdownChecker {
	return &shutdownChecker{cfg: cfg, daemon: d, logger: logger}
}

// attach schedules the once-a-minute idle check.
func (s *shutdownChecker) attach(c *cron.Cron) {
	c.AddFunc("0 * * * * *", s.check)
}

func (s *shutdownChecker) check() {
	if reason := s.busyReason(); reason != "" {
		if !s.idleSince.IsZero() {
			s.logger.Debug("shutdown countdown reset", slog.String("reason", reason))
		}
		s.idleSince = time.Time{}
		return
	}

	if s.idleSince.IsZero() {
		s.idleSince = time.Now()
		s.logger.Info("host idle, shutdown countdown started",
			slog.Duration("delay", s.cfg.TimeDelay))
		return
	}
	if time.Since(s.idleSince) < s.cfg.TimeDelay {
		return
	}

	s.logger.Info("shutting host down", slog.String("script", s.cfg.ScriptName))
	s.daemon.notifier.Notify(notify.Event{
		Kind:    notify.KindShutdown,
		Subject: "host shutting down",
		Body:    "The recording host has been idle and is shutting down.",
	})
	if out, err := exec.Command(s.cfg.ScriptName).CombinedOutput(); err != nil {
		s.logger.Error("shutdown script failed",
			slog.Any("error", err),
			slog.String("output", string(out)))
		s.idleSince = time.Time{}
		return
	}
	s.daemon.requestShutdown()
}

// busyReason returns why the host may not shut down, or "" when idle.
func (s *shutdownChecker) busyReason() string {
	d := s.daemon
	if len(d.captures.List()) > 0 {
		return "capture running"
	}
	if d.transcoder.Busy() {
		return "transcoding"
	}

	// A recording due soon keeps the host up.
	for device := 0; device < d.store.NumDevices(); device++ {
		head := d.store.Head(device)
		if head != nil && time.Until(head.Start) < s.cfg.MinIdleTime {
			return "recording due soon"
		}
	}

	if up, err := host.Uptime(); err == nil {
		if time.Duration(up)*time.Second < s.cfg.MinUptime {
			return "host recently booted"
		}
	}
	if avg, err := load.Avg(); err == nil && avg.Load5 > s.cfg.MaxLoad5 {
		return "host loaded"
	}
	if !s.cfg.IgnoreUsers {
		if users, err := host.Users(); err == nil && len(users) > 0 {
			return "users logged in"
		}
	}
	return ""
}
