package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Server.Port)
	assert.Equal(t, 2001, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.Server.MaxClients)
	assert.Equal(t, 256, cfg.Server.MaxEntries)
	assert.Equal(t, 10*time.Minute, cfg.Server.ClientIdleTime)
	assert.Equal(t, 2*time.Minute, cfg.Server.PromptTimeout)

	assert.Equal(t, 3, cfg.Capture.TimeResolution)
	assert.Equal(t, []string{"/dev/video0"}, cfg.Capture.Devices)
	assert.Equal(t, "SE", cfg.Capture.InputSourcePrefix)

	assert.InDelta(t, 1.0, cfg.Transcode.MaxLoad, 0.001)
	assert.Equal(t, 7*time.Minute, cfg.Transcode.AdmissionBackoff)
	assert.Equal(t, 4*time.Minute, cfg.Transcode.FilelistCooldown)
	assert.Equal(t, 3, cfg.Transcode.MaxConcurrent)
	assert.Equal(t, 64, cfg.Transcode.QueueSize)
	assert.Equal(t, "fastfirstpass", cfg.Transcode.FirstpassPreset)
	assert.Equal(t, 49*time.Hour, cfg.Transcode.Watchdog)
	assert.Equal(t, 30*time.Second, cfg.Transcode.MinRuntime)
	assert.Equal(t, time.Duration(0), cfg.Transcode.MaxWaitingTime, "unbounded by default")

	assert.Equal(t, "0 0 4 * * *", cfg.Maintenance.Cron)
	assert.Equal(t, 20, cfg.Maintenance.HistoryRetention)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 4000
capture:
  time_resolution: 25
  devices: ["/dev/video0", "/dev/video1"]
transcode:
  max_load_for_transcoding: 2.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Capture.TimeResolution, "clamped to the valid range")
	assert.Equal(t, 2, cfg.Capture.NumDevices())
	assert.InDelta(t, 2.5, cfg.Transcode.MaxLoad, 0.001)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PVRD_SERVER_PORT", "2345")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2345, cfg.Server.Port)
}

func TestClampCardControls(t *testing.T) {
	cfg := &Config{}
	cfg.Capture.Controls = CardControls{
		ImageContrast:   400,
		ImageBrightness: -400,
		AudioVolume:     300,
	}
	cfg.Clamp()

	assert.Equal(t, 50, cfg.Capture.Controls.ImageContrast)
	assert.Equal(t, -50, cfg.Capture.Controls.ImageBrightness)
	assert.Equal(t, 100, cfg.Capture.Controls.AudioVolume)
	assert.Equal(t, 1, cfg.Capture.TimeResolution)
}

func TestValidateRejectsBadValues(t *testing.T) {
	good := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := good()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = good()
	cfg.Storage.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = good()
	cfg.Transcode.MaxLoad = -1
	assert.Error(t, cfg.Validate())

	cfg = good()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestNumDevicesHonoursMaxVideo(t *testing.T) {
	c := CaptureConfig{Devices: []string{"/dev/video0", "/dev/video1", "/dev/video2"}}
	assert.Equal(t, 3, c.NumDevices())

	c.MaxDevices = 2
	assert.Equal(t, 2, c.NumDevices())

	c.MaxDevices = 9
	assert.Equal(t, 3, c.NumDevices(), "capped at the configured device list")
}

func TestStoragePaths(t *testing.T) {
	s := StorageConfig{DataDir: "/srv/tv", UseProfileDirs: true}

	assert.Equal(t, "/srv/tv/vtmp/vid1/show", s.ScratchDir(1, "show"))
	assert.Equal(t, "/srv/tv/vtmp/vid1/show/show.mp2", s.ScratchPath(1, "show"))
	assert.Equal(t, "/srv/tv/mp4/mobile", s.OutputPath("mobile"))
	assert.Equal(t, "/srv/tv/mp2/mobile", s.ArchivePath("mobile"))
	assert.Equal(t, "/srv/tv/xmldb/catalog.xml", s.CatalogPath())
	assert.Equal(t, "/srv/tv/xmldb/history.db", s.HistoryPath())
	assert.Equal(t, "/srv/tv/stats", s.StatsPath())

	flat := StorageConfig{DataDir: "/srv/tv"}
	assert.Equal(t, "/srv/tv/mp4", flat.OutputPath("mobile"))

	s.CatalogFile = "/mnt/shared/catalog.xml"
	assert.Equal(t, "/mnt/shared/catalog.xml", s.CatalogPath())
}
