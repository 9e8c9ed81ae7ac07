package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/tether/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tether daemon in the foreground",
	Long: `Run the tether daemon in the foreground. The gateway accepts WebSocket
and HTTP clients until SIGINT or SIGTERM, then running turns are cancelled and
every session is closed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	pidFile := daemon.PIDFile(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tether listening on %s\n", d.Addr())

	d.Wait(cmd.Context())
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
