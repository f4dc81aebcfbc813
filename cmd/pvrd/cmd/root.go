// Package cmd implements the pvrd command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/observability"
	"github.com/jmylchreest/pvrd/internal/version"
)

var (
	cfgFile      string
	logLevel     string
	logFormat    string
	catalogFile  string
	serverPort   int
	stationsFile string
	startupDelay time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "pvrd",
	Short:         "TV recording server",
	Long:          "pvrd records scheduled TV broadcasts from capture devices and transcodes them in the background.",
	Version:       version.Short(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches ., /etc/pvrd, $HOME/.pvrd)")
	rootCmd.PersistentFlags().StringVarP(&catalogFile, "catalog", "f", "", "catalog snapshot file (overrides the path under datadir)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "TCP control port")
	rootCmd.PersistentFlags().StringVarP(&stationsFile, "stations", "x", "", "station alias file")
	rootCmd.PersistentFlags().DurationVarP(&startupDelay, "startup-delay", "t", 0, "capture start delay after a fresh boot")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json, text")
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if catalogFile != "" {
		cfg.Storage.CatalogFile = catalogFile
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if stationsFile != "" {
		cfg.Capture.StationsFile = stationsFile
	}
	if startupDelay > 0 {
		cfg.Shutdown.PreStartupTime = startupDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging builds the application logger and installs it as the
// process default.
func setupLogging(cfg *config.Config) *slog.Logger {
	logger := observability.WithApp(observability.NewLogger(cfg.Logging), version.ApplicationName)
	observability.SetDefault(logger)
	return logger
}
