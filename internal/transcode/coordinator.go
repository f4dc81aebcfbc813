package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/fsutil"
	"github.com/jmylchreest/pvrd/internal/notify"
	"github.com/jmylchreest/pvrd/internal/profile"
	"github.com/jmylchreest/pvrd/internal/stats"
)

// stopKillDelay is the pause between stopping a process group and
// delivering the kill, so every group member is frozen before any of
// them can react to a sibling dying.
const stopKillDelay = 50 * time.Millisecond

// idlePoll is how often the drainer re-checks an empty queue.
const idlePoll = 5 * time.Second

// Outcome describes one finished encoder run.
type Outcome struct {
	Job        *Job
	Started    time.Time
	Finished   time.Time
	OutputPath string
	OutputSize int64
	UserTime   time.Duration
	SysTime    time.Duration
	Failed     bool
	Reason     string
}

// Ongoing describes one running encoder for status reporting.
type Ongoing struct {
	Slot    int
	JobID   string
	Title   string
	Profile string
	PID     int
	Started time.Time
}

type task struct {
	job     *Job
	cmd     *exec.Cmd
	pgid    int
	started time.Time
	tempOut string
	passlog string
}

// Coordinator owns the transcoding pipeline: the waiting queue, the
// admission gate and the table of running encoder processes. Each
// encoder runs under sh in its own process group so a kill reaches the
// whole pipeline.
type Coordinator struct {
	cfg      config.TranscodeConfig
	storage  config.StorageConfig
	profiles *profile.Registry
	queue    *Queue
	gate     *Gate
	stats    *stats.Aggregator
	notifier notify.Notifier
	logger   *slog.Logger

	onFinished func(Outcome)
	loadFn     LoadFunc

	mu      sync.Mutex
	ongoing map[int]*task
	slots   chan int
	wake    chan struct{}
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator builds a coordinator from configuration.
func NewCoordinator(cfg config.TranscodeConfig, storage config.StorageConfig, profiles *profile.Registry, agg *stats.Aggregator) *Coordinator {
	slots := make(chan int, cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		slots <- i
	}
	return &Coordinator{
		cfg:      cfg,
		storage:  storage,
		profiles: profiles,
		queue:    NewQueue(cfg.QueueSize),
		gate:     NewGate(cfg.MaxLoad, cfg.AdmissionBackoff, cfg.MaxWaitingTime),
		stats:    agg,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		loadFn:   SystemLoad,
		ongoing:  make(map[int]*task),
		slots:    slots,
		wake:     make(chan struct{}, 1),
	}
}

// WithLogger sets a custom logger.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	c.gate.WithLogger(logger)
	return c
}

// WithNotifier sets the notification sink.
func (c *Coordinator) WithNotifier(n notify.Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithOnFinished registers a callback invoked after every finished run,
// successful or not. Used to journal outcomes.
func (c *Coordinator) WithOnFinished(fn func(Outcome)) *Coordinator {
	c.onFinished = fn
	return c
}

// Start launches the queue drainer.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("transcoder already running")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go c.drain()

	c.logger.Info("transcoder started",
		slog.Int("max_concurrent", c.cfg.MaxConcurrent),
		slog.Int("queue_size", c.cfg.QueueSize),
		slog.Float64("max_load", c.cfg.MaxLoad))
	return nil
}

// Stop halts the drainer. When kill is set, running encoders are killed
// by process group; otherwise they are left to finish on their own,
// reparented to init once the daemon exits.
func (c *Coordinator) Stop(kill bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	tasks := make([]*task, 0, len(c.ongoing))
	for _, t := range c.ongoing {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	if kill {
		for _, t := range tasks {
			c.logger.Info("killing encoder on shutdown",
				slog.String("job", t.job.ID),
				slog.Int("pgid", t.pgid))
			killGroup(t.pgid)
		}
	} else if len(tasks) > 0 {
		c.logger.Info("leaving encoders running", slog.Int("count", len(tasks)))
	}
	c.wg.Wait()
	c.logger.Info("transcoder stopped")
}

// Enqueue turns a finished capture into one job per transcoding profile.
// Profiles with transcoding disabled contribute no job; when no profile
// wants an encode the raw recording is archived directly.
func (c *Coordinator) Enqueue(res *capture.Result) {
	info, err := os.Stat(res.Path)
	if err != nil {
		c.logger.Error("stating finished recording",
			slog.String("path", res.Path), slog.Any("error", err))
		return
	}

	names := res.Entry.Profiles
	if len(names) == 0 {
		names = []string{c.cfg.DefaultProfile}
	}
	var enabled []*profile.Profile
	for _, name := range names {
		p := c.profiles.Get(name)
		if p != nil && p.Transcode.Enabled {
			enabled = append(enabled, p)
		}
	}

	archive := ""
	keep := c.storage.ArchiveSource
	if res.Profile != nil && res.Profile.Capture.KeepSource {
		keep = true
	}
	if keep || len(enabled) == 0 {
		archive = filepath.Join(c.storage.ArchivePath(names[0]), filepath.Base(res.Path))
	}

	src := NewSourceRef(res.Path, info.Size(), len(enabled), archive)
	if len(enabled) == 0 {
		// Force disposal now: archive the raw file as the final product.
		src.refs = 1
		src.Release(c.logger)
		return
	}

	for _, p := range enabled {
		job := &Job{
			ID:       NewJobID(),
			Entry:    res.Entry,
			Profile:  p,
			Source:   src,
			Recorded: res.Recorded,
			Enqueued: time.Now(),
		}
		if err := c.queue.Push(job); err != nil {
			c.logger.Error("transcode queue full, dropping job",
				slog.String("title", res.Entry.Title),
				slog.String("profile", p.Name))
			c.notifier.Notify(notify.Event{
				Kind:    notify.KindError,
				Subject: "transcode queue full: " + res.Entry.Title,
				Body: fmt.Sprintf("Recording %q could not be queued for profile %s: %d jobs already waiting.",
					res.Entry.Title, p.Name, c.queue.Len()),
			})
			src.Release(c.logger)
			continue
		}
		c.logger.Info("transcode queued",
			slog.String("job", job.ID),
			slog.String("title", res.Entry.Title),
			slog.String("profile", p.Name))
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain admits one waiting job at a time: wait for a free slot, then
// wait out the load gate, then start the encoder.
func (c *Coordinator) drain() {
	defer c.wg.Done()

	for {
		job := c.queue.Pop()
		if job == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
			case <-time.After(idlePoll):
			}
			continue
		}

		var slot int
		select {
		case <-c.ctx.Done():
			return
		case slot = <-c.slots:
		}

		err := c.gate.Wait(c.ctx, job.Enqueued)
		if errors.Is(err, ErrWaitExceeded) {
			c.abandon(job)
			c.slots <- slot
			continue
		}
		if err != nil {
			// Shutting down.
			c.slots <- slot
			return
		}

		if serr := c.start(slot, job); serr != nil {
			c.logger.Error("starting encoder",
				slog.String("job", job.ID), slog.Any("error", serr))
			job.Source.Abandon(c.logger)
			c.slots <- slot
		}
	}
}

// abandon drops a job the gate refused. The raw recording stays in
// scratch so the next backlog scan can pick it up again.
func (c *Coordinator) abandon(job *Job) {
	waited := time.Since(job.Enqueued).Round(time.Second)
	c.logger.Error("transcode abandoned, host stayed loaded",
		slog.String("job", job.ID),
		slog.String("title", job.Entry.Title),
		slog.String("profile", job.Profile.Name),
		slog.Duration("waited", waited))
	c.notifier.Notify(notify.Event{
		Kind:    notify.KindError,
		Subject: "transcode abandoned: " + job.Entry.Title,
		Body: fmt.Sprintf("Transcoding %q (profile %s) was abandoned after waiting %s for the load to drop. The recording remains in scratch.",
			job.Entry.Title, job.Profile.Name, waited),
	})
	job.Source.Abandon(c.logger)
	if c.onFinished != nil {
		c.onFinished(Outcome{
			Job:      job,
			Finished: time.Now(),
			Failed:   true,
			Reason:   "admission wait exceeded",
		})
	}
}

func (c *Coordinator) start(slot int, job *Job) error {
	srcDir := filepath.Dir(job.Source.Path)
	base := job.Entry.Basename
	if len(job.Entry.Profiles) > 1 {
		base = base + "-" + job.Profile.Name
	}
	tempOut := filepath.Join(srcDir, base+"."+job.Profile.Transcode.Extension)
	passlog := filepath.Join(srcDir, "passlog-"+job.ID)

	shell := BuildCommand(c.cfg.FFmpegBin, job.Source.Path, tempOut, passlog,
		c.cfg.FirstpassPreset, job.Profile.Transcode).Shell

	logPath := filepath.Join(srcDir, base+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating encoder log: %w", err)
	}

	cmd := exec.Command("sh", "-c", shell)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("starting encoder: %w", err)
	}
	logFile.Close()

	pgid := cmd.Process.Pid
	if c.cfg.Niceness != 0 {
		if err := unix.Setpriority(unix.PRIO_PGRP, pgid, c.cfg.Niceness); err != nil {
			c.logger.Warn("renicing encoder", slog.Int("pgid", pgid), slog.Any("error", err))
		}
	}

	t := &task{
		job:     job,
		cmd:     cmd,
		pgid:    pgid,
		started: time.Now(),
		tempOut: tempOut,
		passlog: passlog,
	}
	c.mu.Lock()
	c.ongoing[slot] = t
	c.mu.Unlock()

	c.logger.Info("encoder started",
		slog.String("job", job.ID),
		slog.String("title", job.Entry.Title),
		slog.String("profile", job.Profile.Name),
		slog.Int("slot", slot),
		slog.Int("pid", pgid),
		slog.Int("passes", job.Profile.Transcode.Passes))

	c.wg.Add(1)
	go c.supervise(slot, t)
	return nil
}

// supervise waits for the encoder and enforces the runaway watchdog.
func (c *Coordinator) supervise(slot int, t *task) {
	defer c.wg.Done()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	watchdog := time.NewTimer(c.cfg.Watchdog)
	defer watchdog.Stop()

	var waitErr error
	var reason string
	select {
	case waitErr = <-done:
	case <-watchdog.C:
		c.logger.Error("encoder exceeded watchdog, killing",
			slog.String("job", t.job.ID),
			slog.Duration("watchdog", c.cfg.Watchdog))
		killGroup(t.pgid)
		waitErr = <-done
		reason = "watchdog expired"
	case <-c.ctx.Done():
		if !c.cfg.KillOnShutdown {
			// Detach: the encoder keeps running past daemon shutdown.
			c.clearSlot(slot)
			return
		}
		waitErr = <-done
		reason = "killed on shutdown"
	}

	c.finish(slot, t, waitErr, reason)
}

func (c *Coordinator) finish(slot int, t *task, waitErr error, reason string) {
	finished := time.Now()
	runtime := finished.Sub(t.started)

	out := Outcome{
		Job:      t.job,
		Started:  t.started,
		Finished: finished,
	}
	if ps := t.cmd.ProcessState; ps != nil {
		out.UserTime = ps.UserTime()
		out.SysTime = ps.SystemTime()
	}

	switch {
	case reason != "":
		out.Failed = true
		out.Reason = reason
	case waitErr != nil:
		out.Failed = true
		out.Reason = waitErr.Error()
	case runtime < c.cfg.MinRuntime:
		// A clean exit this fast means the encoder never really ran.
		out.Failed = true
		out.Reason = fmt.Sprintf("encoder exited after %s, below the %s minimum", runtime.Round(time.Second), c.cfg.MinRuntime)
	}

	if out.Failed {
		c.logger.Error("transcode failed",
			slog.String("job", t.job.ID),
			slog.String("title", t.job.Entry.Title),
			slog.String("reason", out.Reason))
		c.notifier.Notify(notify.Event{
			Kind:    notify.KindError,
			Subject: "transcode failed: " + t.job.Entry.Title,
			Body: fmt.Sprintf("Transcoding %q (profile %s) failed: %s.",
				t.job.Entry.Title, t.job.Profile.Name, out.Reason),
		})
		os.Remove(t.tempOut)
	} else {
		c.place(t, &out)
	}

	c.cleanup(t)
	if out.Failed {
		// Scratch stays intact so the backlog scan can retry the source.
		t.job.Source.Abandon(c.logger)
	} else {
		t.job.Source.Release(c.logger)
	}
	c.clearSlot(slot)

	if c.onFinished != nil {
		c.onFinished(out)
	}
}

// place moves the finished output into the profile's output directory,
// avoiding collisions with a numeric suffix, and folds the run into the
// profile statistics.
func (c *Coordinator) place(t *task, out *Outcome) {
	info, err := os.Stat(t.tempOut)
	if err != nil {
		out.Failed = true
		out.Reason = "encoder produced no output"
		return
	}
	out.OutputSize = info.Size()

	dst := filepath.Join(c.storage.OutputPath(t.job.Profile.Name), filepath.Base(t.tempOut))
	dst, err = fsutil.UniquePath(dst)
	if err == nil {
		err = fsutil.MoveFile(t.tempOut, dst)
	}
	if err != nil {
		out.Failed = true
		out.Reason = fmt.Sprintf("placing output: %v", err)
		return
	}
	out.OutputPath = dst

	load5, lerr := c.loadFn(context.Background())
	if lerr != nil {
		load5 = 0
	}
	if err := c.stats.Update(t.job.Profile.Name, stats.Sample{
		MP2Size:         t.job.Source.Size,
		MP4Size:         out.OutputSize,
		RecordedSeconds: t.job.Recorded.Seconds(),
		RealTime:        out.Finished.Sub(out.Started),
		UserTime:        out.UserTime,
		SysTime:         out.SysTime,
		Load5:           load5,
	}); err != nil {
		c.logger.Warn("updating statistics", slog.Any("error", err))
	}

	if c.cfg.UsePostScript && c.cfg.PostScript != "" {
		cmd := exec.Command(c.cfg.PostScript, dst)
		if perr := cmd.Run(); perr != nil {
			c.logger.Warn("post-transcode script failed", slog.Any("error", perr))
		}
	}

	c.logger.Info("transcode finished",
		slog.String("job", t.job.ID),
		slog.String("title", t.job.Entry.Title),
		slog.String("profile", t.job.Profile.Name),
		slog.String("output", dst),
		slog.Duration("runtime", out.Finished.Sub(out.Started)))
	c.notifier.Notify(notify.Event{
		Kind:    notify.KindTranscodeEnd,
		Subject: "transcode finished: " + t.job.Entry.Title,
		Body: fmt.Sprintf("Transcoding %q (profile %s) finished in %s.\nOutput: %s (%d bytes).",
			t.job.Entry.Title, t.job.Profile.Name,
			out.Finished.Sub(out.Started).Round(time.Second), dst, out.OutputSize),
	})
}

// cleanup removes pass log litter left by two-pass runs.
func (c *Coordinator) cleanup(t *task) {
	matches, err := filepath.Glob(t.passlog + "*")
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}

func (c *Coordinator) clearSlot(slot int) {
	c.mu.Lock()
	delete(c.ongoing, slot)
	c.mu.Unlock()
	select {
	case c.slots <- slot:
	default:
	}
}

// Kill aborts the encoder in a slot. The group is frozen first so no
// member of the shell pipeline outruns the kill.
func (c *Coordinator) Kill(slot int) error {
	c.mu.Lock()
	t := c.ongoing[slot]
	c.mu.Unlock()
	if t == nil {
		return fmt.Errorf("no transcode in slot %d", slot)
	}

	c.logger.Info("killing encoder",
		slog.Int("slot", slot),
		slog.String("job", t.job.ID),
		slog.Int("pgid", t.pgid))
	killGroup(t.pgid)
	return nil
}

func killGroup(pgid int) {
	unix.Kill(-pgid, unix.SIGSTOP)
	time.Sleep(stopKillDelay)
	unix.Kill(-pgid, unix.SIGKILL)
}

// Running returns the running encoders ordered by slot.
func (c *Coordinator) Running() []Ongoing {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Ongoing, 0, len(c.ongoing))
	for slot, t := range c.ongoing {
		out = append(out, Ongoing{
			Slot:    slot,
			JobID:   t.job.ID,
			Title:   t.job.Entry.Title,
			Profile: t.job.Profile.Name,
			PID:     t.pgid,
			Started: t.started,
		})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Slot < out[j-1].Slot; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Waiting returns a snapshot of the queued jobs.
func (c *Coordinator) Waiting() []*Job {
	return c.queue.Waiting()
}

// Busy reports whether any encoder is running or queued.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	n := len(c.ongoing)
	c.mu.Unlock()
	return n > 0 || c.queue.Len() > 0
}
