package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootFlagsRegistered(t *testing.T) {
	for flag, shorthand := range map[string]string{
		"config":        "c",
		"catalog":       "f",
		"port":          "p",
		"stations":      "x",
		"startup-delay": "t",
	} {
		f := rootCmd.PersistentFlags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, shorthand, f.Shorthand, flag)
	}
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2000\n"), 0o644))

	defer func() {
		cfgFile, catalogFile, stationsFile = "", "", ""
		serverPort, startupDelay = 0, 0
	}()
	cfgFile = path
	catalogFile = "/mnt/shared/catalog.xml"
	serverPort = 2100
	stationsFile = "/etc/pvrd/stations"
	startupDelay = 90 * time.Second

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/shared/catalog.xml", cfg.Storage.CatalogPath())
	assert.Equal(t, 2100, cfg.Server.Port)
	assert.Equal(t, "/etc/pvrd/stations", cfg.Capture.StationsFile)
	assert.Equal(t, 90*time.Second, cfg.Shutdown.PreStartupTime)
}
