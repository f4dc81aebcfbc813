// Package server exposes the daemon over a TCP line protocol and an
// HTTP API. Both frontends dispatch into the same command core.
package server

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/history"
	"github.com/jmylchreest/pvrd/internal/profile"
	"github.com/jmylchreest/pvrd/internal/scheduler"
	"github.com/jmylchreest/pvrd/internal/stats"
	"github.com/jmylchreest/pvrd/internal/transcode"
	"github.com/jmylchreest/pvrd/internal/version"
)

// timeLayout is the operator-facing timestamp format.
const timeLayout = "2006-01-02T15:04"

// Core bundles the daemon components the session commands operate on.
type Core struct {
	Store      *catalog.Store
	Captures   *capture.Manager
	Transcoder *transcode.Coordinator
	Profiles   *profile.Registry
	Stats      *stats.Aggregator
	History    *history.Journal
	Scheduler  *scheduler.Scheduler
	Stations   *capture.FrequencyMap
	Storage    config.StorageConfig

	// RequestShutdown asks the lifecycle manager for a graceful stop.
	RequestShutdown func()
	// Slave disables the recording side: catalog mutations and capture
	// control are rejected, transcoding still runs.
	Slave bool

	Logger *slog.Logger
}

// Execute runs one command line. quit reports that the session asked to
// close.
func (c *Core) Execute(line string) (out string, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "a":
		return c.cmdAdd(args), false
	case "ar":
		return c.cmdAddRecurring(args), false
	case "d":
		return c.cmdDelete(args, false), false
	case "dr":
		return c.cmdDelete(args, true), false
	case "l":
		return c.cmdList(), false
	case "lh":
		return c.cmdListHistory(), false
	case "lr":
		return c.cmdListRunning(), false
	case "lu":
		return c.cmdListUpcoming(), false
	case "ls":
		return c.cmdListStations(), false
	case "q":
		return c.cmdQuickRecord(args), false
	case "!":
		return c.cmdCancelCapture(args), false
	case "tick":
		return c.cmdForceTick(), false
	case "kt":
		return c.cmdKillTranscode(args), false
	case "wt":
		return c.cmdWaitingTranscodes(), false
	case "ot":
		return c.cmdOngoingTranscodes(), false
	case "st":
		return c.cmdStats(), false
	case "t":
		return time.Now().Format(time.RFC1123), false
	case "s":
		return c.cmdStatus(), false
	case "df":
		return c.cmdDiskFree(), false
	case "v":
		return version.String(), false
	case "z":
		return c.cmdShutdown(), false
	case "exit":
		return "bye", true
	case "help":
		return helpText, false
	default:
		return fmt.Sprintf("unknown command %q, try help", cmd), false
	}
}

const helpText = `commands:
  a <start> <stop> <channel> <title...> [@prof1,prof2]   add recording
  ar <kind> <count> <start> <stop> <channel> <title...>  add recurring
     kinds: daily weekly mon-fri mon-thu tue-fri sat-sun
  q <minutes> [channel] [title...]                       quick recording now
  d <id>     delete recording          dr <id>   delete recording series
  l          list catalog              lu        list next entry per device
  lr         list running captures     lh        list recent history
  ls         list known stations
  ! <device> cancel capture            tick      force a scheduler pass
  ot         ongoing transcodes        wt        waiting transcodes
  kt <slot>  kill transcode
  st         statistics                s         status summary
  t          server time               df        disk usage
  v          version                   z         shut the daemon down
  exit       close session             help      this text
times use the format ` + timeLayout

func (c *Core) cmdAdd(args []string) string {
	if c.Slave {
		return "error: recording is disabled in slave mode"
	}
	e, err := parseEntry(args, c.Storage.DefaultRepeatMangle)
	if err != nil {
		return "error: " + err.Error()
	}
	id, err := c.Store.Add(e)
	if err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("added %s on device %d", id, mustDevice(c.Store, id))
}

func (c *Core) cmdAddRecurring(args []string) string {
	if c.Slave {
		return "error: recording is disabled in slave mode"
	}
	if len(args) < 2 {
		return "error: usage: ar <kind> <count> <start> <stop> <channel> <title...>"
	}
	kind, err := catalog.ParseRecurrenceKind(args[0])
	if err != nil {
		return "error: " + err.Error()
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 1 {
		return "error: count must be a positive number"
	}
	e, err := parseEntry(args[2:], c.Storage.DefaultRepeatMangle)
	if err != nil {
		return "error: " + err.Error()
	}

	ids, conflicted, err := c.Store.AddRecurring(e, kind, count)
	if err != nil {
		return "error: " + err.Error()
	}
	msg := fmt.Sprintf("added %d of %d occurrences", len(ids), count)
	if len(conflicted) > 0 {
		dates := make([]string, 0, len(conflicted))
		for _, t := range conflicted {
			dates = append(dates, t.Format(timeLayout))
		}
		msg += ", conflicts skipped: " + strings.Join(dates, " ")
	}
	return msg
}

func (c *Core) cmdDelete(args []string, series bool) string {
	if c.Slave {
		return "error: recording is disabled in slave mode"
	}
	if len(args) != 1 {
		return "error: usage: d <id>"
	}
	if series {
		n, err := c.Store.DeleteSeries(args[0])
		if err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("deleted %d entries", n)
	}
	if err := c.Store.Delete(args[0]); err != nil {
		return "error: " + err.Error()
	}
	return "deleted " + args[0]
}

func (c *Core) cmdList() string {
	entries := c.Store.List()
	if len(entries) == 0 {
		return "catalog empty"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s dev%d %s .. %s %-8s %s",
			e.ID, e.Device,
			e.Start.Format(timeLayout), e.End.Format("15:04"),
			e.Channel, e.Title)
		if e.Recurrence.Kind != catalog.RecurNone {
			fmt.Fprintf(&b, " [%s, %d left]", e.Recurrence.Kind, e.Recurrence.Remaining)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdListUpcoming() string {
	var b strings.Builder
	for device := 0; device < c.Store.NumDevices(); device++ {
		head := c.Store.Head(device)
		if head == nil {
			fmt.Fprintf(&b, "dev%d: idle\n", device)
			continue
		}
		fmt.Fprintf(&b, "dev%d: %s %s %s\n",
			device, head.Start.Format(timeLayout), head.Channel, head.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdListRunning() string {
	running := c.Captures.List()
	if len(running) == 0 {
		return "no captures running"
	}
	var b strings.Builder
	for _, r := range running {
		fmt.Fprintf(&b, "dev%d %s %s until %s (%s)\n",
			r.Device, r.EntryID, r.Title,
			r.End.Format("15:04"), r.Channel)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdListHistory() string {
	if c.History == nil {
		return "history disabled"
	}
	recs, err := c.History.Latest(20)
	if err != nil {
		return "error: " + err.Error()
	}
	if len(recs) == 0 {
		return "history empty"
	}
	var b strings.Builder
	for _, r := range recs {
		state := "ok"
		if r.Failed {
			state = "FAILED: " + r.Reason
		}
		fmt.Fprintf(&b, "%s %-8s %s %s\n",
			r.FinishedAt.Format(timeLayout), r.Profile, r.Title, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdListStations() string {
	if c.Stations == nil {
		return "no stations configured"
	}
	names := c.Stations.Stations()
	if len(names) == 0 {
		return "no stations configured"
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

// cmdQuickRecord synthesizes an entry starting now and nudges the
// scheduler so the capture begins on the next pass.
func (c *Core) cmdQuickRecord(args []string) string {
	if c.Slave {
		return "error: recording is disabled in slave mode"
	}
	if len(args) < 1 {
		return "error: usage: q <minutes> [channel] [title...]"
	}
	minutes, err := strconv.Atoi(args[0])
	if err != nil || minutes < 1 {
		return "error: minutes must be a positive number"
	}

	now := time.Now()
	channel := ""
	if len(args) >= 2 {
		channel = args[1]
	} else if c.Stations != nil {
		if names := c.Stations.Stations(); len(names) > 0 {
			sort.Strings(names)
			channel = names[0]
		}
	}
	if channel == "" {
		return "error: no channel given and no stations configured"
	}
	title := "Quick " + now.Format(timeLayout)
	if len(args) > 2 {
		title = strings.Join(args[2:], " ")
	}

	mangle := catalog.MangleKind(c.Storage.DefaultRepeatMangle)
	if mangle != catalog.MangleNumber && mangle != catalog.MangleDate {
		mangle = catalog.MangleDate
	}
	e := &catalog.Entry{
		Title:      title,
		Channel:    channel,
		Start:      now,
		End:        now.Add(time.Duration(minutes) * time.Minute),
		Recurrence: catalog.Recurrence{Kind: catalog.RecurNone, Mangle: mangle},
		Basename:   catalog.Sanitize(title),
	}
	id, err := c.Store.Add(e)
	if err != nil {
		return "error: " + err.Error()
	}
	if c.Scheduler != nil {
		c.Scheduler.Tick()
	}
	return fmt.Sprintf("quick recording %s until %s on device %d",
		id, e.End.Format("15:04"), mustDevice(c.Store, id))
}

func (c *Core) cmdCancelCapture(args []string) string {
	if c.Slave {
		return "error: recording is disabled in slave mode"
	}
	if len(args) != 1 {
		return "error: usage: ! <device>"
	}
	device, err := strconv.Atoi(args[0])
	if err != nil {
		return "error: device must be a number"
	}
	if err := c.Captures.Cancel(device); err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("capture on device %d cancelled", device)
}

func (c *Core) cmdForceTick() string {
	if c.Scheduler == nil {
		return "error: scheduler not running"
	}
	c.Scheduler.Tick()
	return "scheduler pass done"
}

func (c *Core) cmdKillTranscode(args []string) string {
	if len(args) != 1 {
		return "error: usage: kt <slot>"
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil {
		return "error: slot must be a number"
	}
	if err := c.Transcoder.Kill(slot); err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("transcode in slot %d killed", slot)
}

func (c *Core) cmdWaitingTranscodes() string {
	waiting := c.Transcoder.Waiting()
	if len(waiting) == 0 {
		return "no transcodes waiting"
	}
	var b strings.Builder
	for i, j := range waiting {
		fmt.Fprintf(&b, "%2d %-8s %s (waiting %s)\n",
			i, j.Profile.Name, j.Entry.Title,
			time.Since(j.Enqueued).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdOngoingTranscodes() string {
	running := c.Transcoder.Running()
	if len(running) == 0 {
		return "no transcodes running"
	}
	var b strings.Builder
	for _, r := range running {
		fmt.Fprintf(&b, "slot %d pid %d %-8s %s (running %s)\n",
			r.Slot, r.PID, r.Profile, r.Title,
			time.Since(r.Started).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdStats() string {
	all, err := c.Stats.All()
	if err != nil {
		return "error: " + err.Error()
	}
	if len(all) == 0 {
		return "no statistics yet"
	}
	var b strings.Builder
	for _, ps := range all {
		fmt.Fprintf(&b, "%-8s samples %d speed %.1f s/min load5 %.2f out %.1f MB/min\n",
			ps.Profile, ps.NumSamples, ps.AvgSpeed, ps.AvgLoad5,
			ps.AvgMP4BytesPerMin/(1024*1024))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Core) cmdStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", version.String())
	if up, err := host.Uptime(); err == nil {
		fmt.Fprintf(&b, "host up %s\n", (time.Duration(up) * time.Second).Round(time.Minute))
	}
	if avg, err := load.Avg(); err == nil {
		fmt.Fprintf(&b, "load %.2f %.2f %.2f\n", avg.Load1, avg.Load5, avg.Load15)
	}
	mode := "master"
	if c.Slave {
		mode = "slave"
	}
	fmt.Fprintf(&b, "mode %s, catalog %d entries, captures %d, transcodes %d running / %d waiting",
		mode, c.Store.Size(), len(c.Captures.List()),
		len(c.Transcoder.Running()), len(c.Transcoder.Waiting()))
	return b.String()
}

func (c *Core) cmdDiskFree() string {
	usage, err := disk.Usage(c.Storage.DataDir)
	if err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("%s: %.1f GB free of %.1f GB (%.0f%% used)",
		c.Storage.DataDir,
		float64(usage.Free)/(1<<30),
		float64(usage.Total)/(1<<30),
		usage.UsedPercent)
}

func (c *Core) cmdShutdown() string {
	if c.RequestShutdown == nil {
		return "error: shutdown not available"
	}
	c.RequestShutdown()
	return "shutting down"
}

// parseEntry parses "<start> <stop> <channel> <title...> [@prof,prof]".
// stop may be a full timestamp or just HH:MM on the start date.
func parseEntry(args []string, defaultMangle string) (*catalog.Entry, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("usage: <start> <stop> <channel> <title...> [@profiles]")
	}
	start, err := time.ParseInLocation(timeLayout, args[0], time.Local)
	if err != nil {
		return nil, fmt.Errorf("bad start time %q, want %s", args[0], timeLayout)
	}
	end, err := time.ParseInLocation(timeLayout, args[1], time.Local)
	if err != nil {
		clock, cerr := time.ParseInLocation("15:04", args[1], time.Local)
		if cerr != nil {
			return nil, fmt.Errorf("bad stop time %q, want %s or 15:04", args[1], timeLayout)
		}
		end = time.Date(start.Year(), start.Month(), start.Day(),
			clock.Hour(), clock.Minute(), 0, 0, time.Local)
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}
	}

	channel := args[2]
	rest := args[3:]
	var profiles []string
	if last := rest[len(rest)-1]; strings.HasPrefix(last, "@") {
		profiles = strings.Split(strings.TrimPrefix(last, "@"), ",")
		rest = rest[:len(rest)-1]
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("title is required")
	}
	title := strings.Join(rest, " ")

	mangle := catalog.MangleKind(defaultMangle)
	if mangle != catalog.MangleNumber && mangle != catalog.MangleDate {
		mangle = catalog.MangleDate
	}
	return &catalog.Entry{
		Title:      title,
		Channel:    channel,
		Start:      start,
		End:        end,
		Profiles:   profiles,
		Recurrence: catalog.Recurrence{Kind: catalog.RecurNone, Mangle: mangle},
		Basename:   catalog.Sanitize(title),
	}, nil
}

func mustDevice(store *catalog.Store, id string) int {
	e, err := store.Get(id)
	if err != nil {
		return -1
	}
	return e.Device
}
