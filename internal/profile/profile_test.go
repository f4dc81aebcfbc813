package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClampsRanges(t *testing.T) {
	data := []byte(`
capture:
  vbr: 99999
  vpeak: 50
  abr_index: 20
  asamp: 7
  aspect: -1
transcode:
  enabled: true
  vbr: 12
  abr: 9000
  passes: 3
  crop:
    top: 500
    left: -10
`)
	p, err := Parse("test", data)
	require.NoError(t, err)

	assert.Equal(t, 8000, p.Capture.VideoBitrate)
	assert.Equal(t, 8000, p.Capture.PeakVideoBitrate)
	assert.Equal(t, 13, p.Capture.AudioBitrateIndex)
	assert.Equal(t, 2, p.Capture.AudioSampling)
	assert.Equal(t, 0, p.Capture.Aspect)

	assert.Equal(t, 100, p.Transcode.VideoBitrate)
	assert.Equal(t, 8000, p.Transcode.AudioBitrate)
	assert.Equal(t, 2, p.Transcode.Passes, "anything but 1 pass runs two passes")
	assert.Equal(t, 160, p.Transcode.Crop.Top)
	assert.Equal(t, 0, p.Transcode.Crop.Left)
	assert.Equal(t, "mp4", p.Transcode.Extension)
}

func TestParsePeakRaisedToAverage(t *testing.T) {
	p, err := Parse("test", []byte("capture:\n  vbr: 4000\n  vpeak: 2000\n"))
	require.NoError(t, err)
	assert.Equal(t, 4000, p.Capture.PeakVideoBitrate)
}

func TestParseSinglePassKept(t *testing.T) {
	p, err := Parse("test", []byte("transcode:\n  passes: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Transcode.Passes)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse("bad", []byte("capture: [not a map"))
	assert.Error(t, err)
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestRegistryLoadRequiresDefault(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "mobile.yaml", "transcode:\n  enabled: true\n")

	r := NewRegistry(dir)
	assert.Error(t, r.Load())

	writeProfile(t, dir, "default.yaml", "transcode:\n  enabled: true\n")
	require.NoError(t, r.Load())
	assert.Equal(t, []string{"default", "mobile"}, r.Names())
}

func TestRegistryGetFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default.yaml", "transcode:\n  vbr: 1200\n")

	r := NewRegistry(dir)
	require.NoError(t, r.Load())

	assert.True(t, r.Has("default"))
	assert.False(t, r.Has("nope"))

	p := r.Get("nope")
	require.NotNil(t, p)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 1200, p.Transcode.VideoBitrate)
}

func TestRegistryRefreshPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "default.yaml", "transcode:\n  vbr: 1200\n")

	r := NewRegistry(dir)
	require.NoError(t, r.Load())

	writeProfile(t, dir, "extra.yml", "transcode:\n  vbr: 800\n")
	require.NoError(t, r.Refresh())
	assert.True(t, r.Has("extra"))
	assert.Equal(t, 800, r.Get("extra").Transcode.VideoBitrate)
}
