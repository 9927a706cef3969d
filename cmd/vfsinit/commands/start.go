package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/internal/telemetry"
	"github.com/marmos91/vfsinit/pkg/config"
	"github.com/marmos91/vfsinit/pkg/metrics"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/vfs"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring up the filesystem layer",
	Long: `Bring up the filesystem layer and run until a lifecycle signal arrives.

SIGINT and SIGTERM are delivered as a power-off event, SIGHUP as a restart
event. Either one flushes dirty data to the durable store before the
subsystems are stopped.

Examples:
  # Start with the default configuration file
  vfsinit start

  # Start with a custom configuration file
  vfsinit start --config /etc/vfsinit/config.yaml

  # Enable the remote server through the environment
  VFSINIT_FEATURES_REMOTE_SERVER=true vfsinit start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/vfsinit/vfsinit.pid)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("Telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingCfg := cfg.Telemetry.Profiling
	profilingCfg.ServiceVersion = Version
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("Profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	metricsDone := make(chan error, 1)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics, metrics.InitRegistry())
		go func() { metricsDone <- srv.Start(ctx) }()
	}

	layer, err := vfs.New(ctx, cfg)
	if err != nil {
		return err
	}

	if err := writePidFile(); err != nil {
		return err
	}
	defer removePidFile()

	// Signals are captured before bring-up so that none is lost.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	layer.Run(ctx)
	logger.Info("Filesystem layer running. Press Ctrl+C to power off.", logger.KeyBootID, layer.Sequencer().BootID())

	var action reboot.Action
	select {
	case sig := <-sigChan:
		action = actionForSignal(sig)
		logger.Info("Lifecycle signal received", "signal", sig.String(), logger.Event(action.String()))
	case err := <-metricsDone:
		logger.Error("Metrics server stopped", logger.Err(err))
		action = reboot.ActionPowerOff
	}

	layer.Notify(ctx, action, "signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := layer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", logger.Err(err))
		return err
	}
	cancel()

	logger.Info("Filesystem layer stopped")
	return nil
}

// actionForSignal maps SIGHUP to a restart and everything else to power-off.
func actionForSignal(sig os.Signal) reboot.Action {
	if sig == syscall.SIGHUP {
		return reboot.ActionRestart
	}
	return reboot.ActionPowerOff
}

func writePidFile() error {
	path := pidFile
	if path == "" {
		path = GetDefaultPidFile()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	pidFile = path
	return nil
}

func removePidFile() {
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
}
