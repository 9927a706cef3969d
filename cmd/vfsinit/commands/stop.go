package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopRestart bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Power off a running instance",
	Long: `Signal a running vfsinit process found through its PID file.

By default sends SIGTERM, which the process delivers as a power-off event.
With --restart sends SIGHUP, delivered as a restart event. Both flush dirty
data before the process exits.

Examples:
  # Power off using the default PID file
  vfsinit stop

  # Restart event instead of power-off
  vfsinit stop --restart --pid-file /run/vfsinit.pid`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/vfsinit/vfsinit.pid)")
	stopCmd.Flags().BoolVar(&stopRestart, "restart", false, "Send a restart event (SIGHUP) instead of power-off (SIGTERM)")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("PID file not found: %s\n\nIs vfsinit running?", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID in file: %s", string(pidData))
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	sig, event := syscall.SIGTERM, "power-off"
	if stopRestart {
		sig, event = syscall.SIGHUP, "restart"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sending %s (%s) to process %d...\n", sig, event, pid)

	if err := process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			fmt.Fprintln(cmd.OutOrStdout(), "Process already stopped")
			_ = os.Remove(pidPath)
			return nil
		}
		return fmt.Errorf("failed to send signal: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signal sent. Dirty data will be flushed before exit.")
	return nil
}
