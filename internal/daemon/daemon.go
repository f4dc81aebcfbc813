// Package daemon assembles the recording server: it wires the catalog,
// scheduler, capture and transcoding components together and owns their
// startup and shutdown order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/history"
	"github.com/jmylchreest/pvrd/internal/lockfile"
	"github.com/jmylchreest/pvrd/internal/notify"
	"github.com/jmylchreest/pvrd/internal/profile"
	"github.com/jmylchreest/pvrd/internal/scheduler"
	"github.com/jmylchreest/pvrd/internal/server"
	"github.com/jmylchreest/pvrd/internal/stats"
	"github.com/jmylchreest/pvrd/internal/transcode"
	"github.com/jmylchreest/pvrd/internal/version"
)

// captureGrace is how long shutdown waits for cancelled captures to
// flush and close their files.
const captureGrace = 15 * time.Second

// Daemon is the assembled recording server.
type Daemon struct {
	cfg    *config.Config
	slave  bool
	logger *slog.Logger

	lock       *lockfile.Lock
	profiles   *profile.Registry
	store      *catalog.Store
	aggregator *stats.Aggregator
	journal    *history.Journal
	notifier   notify.Notifier
	captures   *capture.Manager
	transcoder *transcode.Coordinator
	sched      *scheduler.Scheduler
	tcp        *server.TCPServer
	web        *server.HTTPServer
	cron       *cron.Cron

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a daemon. slave disables the recording side: no devices
// are opened and the catalog rejects mutations, but leftover recordings
// are still transcoded.
func New(cfg *config.Config, slave bool, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:        cfg,
		slave:      slave,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Run starts every component and blocks until the context is cancelled
// or a shutdown is requested over a session.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(d.cfg.Storage.LockFile)
	if err != nil {
		return err
	}
	d.lock = lock
	defer d.lock.Release()

	d.waitForStableHost(ctx)

	if err := d.build(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.start(runCtx); err != nil {
		return err
	}
	d.logger.Info("daemon running",
		slog.String("version", version.Version),
		slog.Bool("slave", d.slave),
		slog.Int("devices", d.cfg.Capture.NumDevices()))

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case <-d.shutdownCh:
		d.logger.Info("shutdown requested by session")
	}

	d.stop(cancel)
	return nil
}

// requestShutdown is handed to the session layer as the z command.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// waitForStableHost delays startup on a freshly booted host, giving
// slow devices and network mounts time to appear.
func (d *Daemon) waitForStableHost(ctx context.Context) {
	min := d.cfg.Shutdown.PreStartupTime
	if min <= 0 {
		return
	}
	up, err := host.Uptime()
	if err != nil {
		return
	}
	uptime := time.Duration(up) * time.Second
	if uptime >= min {
		return
	}
	wait := min - uptime
	d.logger.Info("host freshly booted, delaying startup",
		slog.Duration("uptime", uptime),
		slog.Duration("delay", wait))
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (d *Daemon) build() error {
	cfg := d.cfg

	d.profiles = profile.NewRegistry(cfg.Storage.ProfileDir).WithLogger(d.logger)
	if err := d.profiles.Load(); err != nil {
		return err
	}

	d.notifier = notify.FromConfig(cfg.Mail, d.logger)
	d.aggregator = stats.NewAggregator(cfg.Storage.StatsPath()).WithLogger(d.logger)

	journal, err := history.Open(cfg.Storage.HistoryPath())
	if err != nil {
		return err
	}
	d.journal = journal.WithLogger(d.logger)

	d.store = catalog.NewStore(cfg.Capture.NumDevices(), cfg.Server.MaxEntries, cfg.Storage.CatalogPath()).
		WithLogger(d.logger)
	if err := d.store.LoadFile(); err != nil {
		return fmt.Errorf("restoring catalog: %w", err)
	}

	d.transcoder = transcode.NewCoordinator(cfg.Transcode, cfg.Storage, d.profiles, d.aggregator).
		WithLogger(d.logger).
		WithNotifier(d.notifier).
		WithOnFinished(d.journalOutcome)

	stations := capture.NewFrequencyMap()
	if cfg.Capture.FrequencyMap != "" {
		if err := stations.LoadFrequencies(cfg.Capture.FrequencyMap); err != nil {
			return err
		}
	}
	if cfg.Capture.StationsFile != "" {
		if err := stations.LoadStations(cfg.Capture.StationsFile); err != nil {
			return err
		}
	}

	opener := capture.NewDeviceOpener(cfg.Capture, stations, d.logger)
	d.captures = capture.NewManager(cfg.Capture, cfg.Storage, opener, d.transcoder.Enqueue).
		WithLogger(d.logger)

	if !d.slave {
		d.sched = scheduler.New(d.store, d.captures, d.profiles, cfg.Capture.TimeResolution).
			WithLogger(d.logger).
			WithNotifier(d.notifier)
	}

	core := &server.Core{
		Store:           d.store,
		Captures:        d.captures,
		Transcoder:      d.transcoder,
		Profiles:        d.profiles,
		Stats:           d.aggregator,
		History:         d.journal,
		Scheduler:       d.sched,
		Stations:        stations,
		Storage:         cfg.Storage,
		RequestShutdown: d.requestShutdown,
		Slave:           d.slave,
		Logger:          d.logger,
	}
	d.tcp = server.NewTCPServer(cfg.Server, core).WithLogger(d.logger)
	if cfg.Server.EnableWebInterface && cfg.Server.HTTPPort > 0 {
		d.web = server.NewHTTPServer(cfg.Server, core).WithLogger(d.logger)
	}

	d.cron = cron.New(cron.WithSeconds())
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	if err := d.transcoder.Start(ctx); err != nil {
		return err
	}
	d.transcoder.RecoverBacklog(ctx, d.cfg.Capture.NumDevices())

	if d.sched != nil {
		if err := d.sched.Start(ctx); err != nil {
			return err
		}
	}
	if err := d.tcp.Start(ctx); err != nil {
		return err
	}
	if d.web != nil {
		if err := d.web.Start(); err != nil {
			return err
		}
	}

	if _, err := d.cron.AddFunc(d.cfg.Maintenance.Cron, d.maintain); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", d.cfg.Maintenance.Cron, err)
	}
	if d.cfg.Shutdown.Enabled {
		newShutdownChecker(d.cfg.Shutdown, d, d.logger).attach(d.cron)
	}
	d.cron.Start()
	return nil
}

// maintain runs the periodic housekeeping pass.
func (d *Daemon) maintain() {
	d.logger.Info("maintenance pass started")
	if err := d.journal.Prune(d.cfg.Maintenance.HistoryRetention); err != nil {
		d.logger.Warn("pruning history", slog.Any("error", err))
	}
	if err := d.profiles.Refresh(); err != nil {
		d.logger.Warn("refreshing profiles", slog.Any("error", err))
	}
	if err := d.aggregator.Persist(); err != nil {
		d.logger.Warn("persisting statistics", slog.Any("error", err))
	}
}

// journalOutcome records a finished transcode in the history database.
func (d *Daemon) journalOutcome(out transcode.Outcome) {
	rec := &history.Record{
		JobID:      out.Job.ID,
		Title:      out.Job.Entry.Title,
		Channel:    out.Job.Entry.Channel,
		Profile:    out.Job.Profile.Name,
		StartedAt:  out.Started,
		FinishedAt: out.Finished,
		RecordedS:  out.Job.Recorded.Seconds(),
		OutputPath: out.OutputPath,
		OutputSize: out.OutputSize,
		Failed:     out.Failed,
		Reason:     out.Reason,
	}
	if err := d.journal.Add(rec); err != nil {
		d.logger.Warn("journaling transcode", slog.Any("error", err))
	}
}

// stop tears components down in dependency order: stop taking work,
// drain the capture side, then persist state.
func (d *Daemon) stop(cancel context.CancelFunc) {
	d.cron.Stop()
	d.tcp.Stop()
	if d.web != nil {
		webCtx, webCancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.web.Stop(webCtx)
		webCancel()
	}
	if d.sched != nil {
		d.sched.Stop()
	}

	if !d.captures.CancelAll(captureGrace) {
		d.logger.Warn("captures did not drain before deadline")
	}

	cancel()
	d.transcoder.Stop(d.cfg.Transcode.KillOnShutdown)

	if err := d.store.Persist(); err != nil {
		d.logger.Error("persisting catalog", slog.Any("error", err))
	}
	if err := d.aggregator.Persist(); err != nil {
		d.logger.Error("persisting statistics", slog.Any("error", err))
	}
	if err := d.journal.Close(); err != nil {
		d.logger.Warn("closing history", slog.Any("error", err))
	}

	d.notifier.Notify(notify.Event{
		Kind:    notify.KindShutdown,
		Subject: "daemon stopped",
		Body:    fmt.Sprintf("pvrd %s stopped at %s.", version.Version, time.Now().Format(time.RFC1123)),
	})
	d.logger.Info("daemon stopped")
}
