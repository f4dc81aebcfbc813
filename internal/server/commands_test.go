package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pvrd/internal/capture"
	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/profile"
	"github.com/jmylchreest/pvrd/internal/stats"
	"github.com/jmylchreest/pvrd/internal/transcode"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()

	profileDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "default.yaml"),
		[]byte("transcode:\n  enabled: true\n"), 0o644))
	profiles := profile.NewRegistry(profileDir)
	require.NoError(t, profiles.Load())

	storage := config.StorageConfig{DataDir: t.TempDir(), DefaultRepeatMangle: "date"}
	tcfg := config.TranscodeConfig{MaxConcurrent: 1, QueueSize: 4, MaxLoad: 1}

	return &Core{
		Store:      catalog.NewStore(2, 16, ""),
		Captures:   capture.NewManager(config.CaptureConfig{}, storage, nil, nil),
		Transcoder: transcode.NewCoordinator(tcfg, storage, profiles, stats.NewAggregator(t.TempDir())),
		Profiles:   profiles,
		Stats:      stats.NewAggregator(t.TempDir()),
		Storage:    storage,
	}
}

func TestAddListDelete(t *testing.T) {
	c := newTestCore(t)

	out, quit := c.Execute("a 2026-03-10T20:15 2026-03-10T21:45 SE1 Evening News @default")
	assert.False(t, quit)
	assert.Contains(t, out, "added")

	entries := c.Store.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "Evening News", entries[0].Title)
	assert.Equal(t, []string{"default"}, entries[0].Profiles)

	out, _ = c.Execute("l")
	assert.Contains(t, out, "Evening News")
	assert.Contains(t, out, "SE1")

	out, _ = c.Execute("d " + entries[0].ID)
	assert.Contains(t, out, "deleted")
	assert.Equal(t, 0, c.Store.Size())

	out, _ = c.Execute("l")
	assert.Equal(t, "catalog empty", out)
}

func TestAddStopTimeShorthand(t *testing.T) {
	c := newTestCore(t)

	_, _ = c.Execute("a 2026-03-10T23:30 00:15 SE1 Late Night")
	entries := c.Store.List()
	require.Len(t, entries, 1)
	// A stop clock before the start rolls into the next day.
	assert.Equal(t, 45*time.Minute, entries[0].Duration())
}

func TestAddRecurring(t *testing.T) {
	c := newTestCore(t)

	out, _ := c.Execute("ar daily 3 2026-03-10T20:00 2026-03-10T20:30 SE1 News")
	assert.Contains(t, out, "added 3 of 3")
	assert.Equal(t, 3, c.Store.Size())

	out, _ = c.Execute("ar fortnightly 3 2026-03-10T20:00 2026-03-10T20:30 SE1 News")
	assert.Contains(t, out, "error")
}

func TestDeleteSeriesCommand(t *testing.T) {
	c := newTestCore(t)
	_, _ = c.Execute("ar daily 4 2026-03-10T20:00 2026-03-10T20:30 SE1 News")

	entries := c.Store.List()
	require.Len(t, entries, 4)

	out, _ := c.Execute("dr " + entries[1].ID)
	assert.Contains(t, out, "deleted 3 entries")
	assert.Equal(t, 1, c.Store.Size())
}

func TestSlaveModeRejectsMutations(t *testing.T) {
	c := newTestCore(t)
	c.Slave = true

	out, _ := c.Execute("a 2026-03-10T20:15 21:45 SE1 News")
	assert.Contains(t, out, "slave mode")
	out, _ = c.Execute("d abc")
	assert.Contains(t, out, "slave mode")
	out, _ = c.Execute("q 30 SE1")
	assert.Contains(t, out, "slave mode")
	out, _ = c.Execute("! 0")
	assert.Contains(t, out, "slave mode")

	// Read commands still work.
	out, _ = c.Execute("l")
	assert.Equal(t, "catalog empty", out)
}

func TestQuickRecord(t *testing.T) {
	c := newTestCore(t)

	out, _ := c.Execute("q 45 SE1 Impulse Purchase")
	assert.Contains(t, out, "quick recording")

	entries := c.Store.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "Impulse Purchase", entries[0].Title)
	assert.Equal(t, "SE1", entries[0].Channel)
	assert.Equal(t, 45*time.Minute, entries[0].Duration())
	assert.WithinDuration(t, time.Now(), entries[0].Start, time.Minute)

	out, _ = c.Execute("q")
	assert.Contains(t, out, "usage")
	out, _ = c.Execute("q nope")
	assert.Contains(t, out, "minutes must be a positive number")
	out, _ = c.Execute("q 30")
	assert.Contains(t, out, "no channel given")
}

func TestQuickRecordDefaultStation(t *testing.T) {
	c := newTestCore(t)

	stations := capture.NewFrequencyMap()
	path := filepath.Join(t.TempDir(), "stations")
	require.NoError(t, os.WriteFile(path, []byte("[SE1]\nchannel = E5\n"), 0o644))
	require.NoError(t, stations.LoadStations(path))
	c.Stations = stations

	out, _ := c.Execute("q 30")
	assert.Contains(t, out, "quick recording")

	entries := c.Store.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "SE1", entries[0].Channel)
	assert.Contains(t, entries[0].Title, "Quick")
}

func TestCancelCaptureCommand(t *testing.T) {
	c := newTestCore(t)

	out, _ := c.Execute("! 1")
	assert.Contains(t, out, "error")

	out, _ = c.Execute("! x")
	assert.Contains(t, out, "device must be a number")

	out, _ = c.Execute("tick")
	assert.Contains(t, out, "scheduler not running")
}

func TestStatusCommands(t *testing.T) {
	c := newTestCore(t)

	out, _ := c.Execute("lr")
	assert.Equal(t, "no captures running", out)

	out, _ = c.Execute("wt")
	assert.Equal(t, "no transcodes waiting", out)

	out, _ = c.Execute("ot")
	assert.Equal(t, "no transcodes running", out)

	out, _ = c.Execute("lu")
	assert.Contains(t, out, "dev0: idle")
	assert.Contains(t, out, "dev1: idle")

	out, _ = c.Execute("v")
	assert.Contains(t, out, "pvrd")

	out, _ = c.Execute("t")
	assert.NotEmpty(t, out)

	out, _ = c.Execute("st")
	assert.Equal(t, "no statistics yet", out)
}

func TestUnknownAndHelp(t *testing.T) {
	c := newTestCore(t)

	out, quit := c.Execute("bogus")
	assert.False(t, quit)
	assert.Contains(t, out, "unknown command")

	out, _ = c.Execute("help")
	assert.Contains(t, out, "add recording")

	out, quit = c.Execute("exit")
	assert.True(t, quit)
	assert.Equal(t, "bye", out)

	out, quit = c.Execute("   ")
	assert.False(t, quit)
	assert.Empty(t, out)
}

func TestShutdownCommand(t *testing.T) {
	c := newTestCore(t)

	out, _ := c.Execute("z")
	assert.Contains(t, out, "error")

	called := false
	c.RequestShutdown = func() { called = true }
	out, _ = c.Execute("z")
	assert.Equal(t, "shutting down", out)
	assert.True(t, called)
}

func TestParseEntryProfiles(t *testing.T) {
	e, err := parseEntry([]string{"2026-03-10T20:00", "2026-03-10T21:00", "SE1", "Some", "Show", "@default,mobile"}, "number")
	require.NoError(t, err)
	assert.Equal(t, "Some Show", e.Title)
	assert.Equal(t, []string{"default", "mobile"}, e.Profiles)
	assert.Equal(t, "Some_Show", e.Basename)
	assert.Equal(t, catalog.MangleNumber, e.Recurrence.Mangle)

	_, err = parseEntry([]string{"2026-03-10T20:00", "2026-03-10T21:00", "SE1", "@default"}, "date")
	assert.Error(t, err, "a profile list alone is not a title")

	_, err = parseEntry([]string{"20:00", "21:00", "SE1", "Show"}, "date")
	assert.Error(t, err, "start needs a full timestamp")
}
