package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/pvrd/internal/daemon"
)

var slaveMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording server",
	Long: `Run the recording server: the scheduler dispatches catalog entries to
capture devices, finished recordings feed the transcoding queue, and
operator sessions are served over TCP and HTTP.

In slave mode the recording side is disabled and only leftover raw
recordings are transcoded, for offloading encode work to another host
sharing the data directory.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&slaveMode, "slave", false, "transcode only, no recording")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, slaveMode, logger).Run(ctx)
}
