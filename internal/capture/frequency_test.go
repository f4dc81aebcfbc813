package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFrequencyMapResolve(t *testing.T) {
	dir := t.TempDir()
	freqs := writeFile(t, dir, "frequencies", `
# channel  kHz
E5   175250
E10  210250
`)
	stations := writeFile(t, dir, "stations", `
# station aliases
[ARD]
channel = E5

[ZDF]
channel = E10
key = ignored
`)

	m := NewFrequencyMap()
	require.NoError(t, m.LoadFrequencies(freqs))
	require.NoError(t, m.LoadStations(stations))

	khz, err := m.Resolve("E5")
	require.NoError(t, err)
	assert.EqualValues(t, 175250, khz)

	khz, err = m.Resolve("ZDF")
	require.NoError(t, err)
	assert.EqualValues(t, 210250, khz)

	_, err = m.Resolve("E99")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"ARD", "ZDF"}, m.Stations())
}

func TestLoadFrequenciesRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad", "E5\n")

	m := NewFrequencyMap()
	assert.Error(t, m.LoadFrequencies(bad))

	notNumeric := writeFile(t, dir, "nan", "E5 lots\n")
	assert.Error(t, m.LoadFrequencies(notNumeric))
}
