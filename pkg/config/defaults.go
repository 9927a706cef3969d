package config

import (
	"strings"
	"time"

	"github.com/marmos91/vfsinit/internal/bytesize"
	"github.com/marmos91/vfsinit/internal/telemetry"
	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/remotefs"
	"github.com/marmos91/vfsinit/pkg/writeback"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Feature toggles are never touched: false means disabled.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(cfg)
	applyShutdownTimeoutDefaults(cfg)
	applyHeapDefaults(&cfg.Heap)
	applyInodeDefaults(&cfg.Inode)
	applyLockDefaults(&cfg.Lock)
	applyAIODefaults(&cfg.AIO)
	applyRemoteDefaults(&cfg.Remote)
	applyNotifyDefaults(cfg)
	applyWritebackDefaults(&cfg.Writeback)
	applySyncDefaults(&cfg.Sync)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry and Pyroscope defaults.
func applyTelemetryDefaults(cfg *telemetry.Config) {
	d := telemetry.DefaultConfig()

	if cfg.ServiceName == "" {
		cfg.ServiceName = d.ServiceName
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = d.SampleRate
	}

	if cfg.Profiling.ServiceName == "" {
		cfg.Profiling.ServiceName = d.Profiling.ServiceName
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = d.Profiling.Endpoint
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = d.Profiling.ProfileTypes
	}
}

func applyMetricsDefaults(cfg *Config) {
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyHeapDefaults(cfg *HeapConfig) {
	if cfg.SmallSize == 0 {
		cfg.SmallSize = bytesize.ByteSize(bufpool.DefaultSmallSize)
	}
	if cfg.MediumSize == 0 {
		cfg.MediumSize = bytesize.ByteSize(bufpool.DefaultMediumSize)
	}
	if cfg.LargeSize == 0 {
		cfg.LargeSize = bytesize.ByteSize(bufpool.DefaultLargeSize)
	}
}

func applyInodeDefaults(cfg *InodeConfig) {
	if cfg.Directories == nil {
		cfg.Directories = []string{"/dev", "/tmp"}
	}
}

func applyLockDefaults(cfg *filelock.Config) {
	d := filelock.DefaultConfig()
	if cfg.MaxLocksPerFile == 0 {
		cfg.MaxLocksPerFile = d.MaxLocksPerFile
	}
	if cfg.MaxTotalLocks == 0 {
		cfg.MaxTotalLocks = d.MaxTotalLocks
	}
}

func applyAIODefaults(cfg *aio.Config) {
	d := aio.DefaultConfig()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = d.Workers
	}
}

func applyRemoteDefaults(cfg *remotefs.Config) {
	if cfg.Listen == "" {
		cfg.Listen = remotefs.DefaultListen
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = int64(64 * bytesize.MiB)
	}
}

func applyNotifyDefaults(cfg *Config) {
	if cfg.Notify.MaxWatches == 0 {
		cfg.Notify.MaxWatches = 8192
	}
	if cfg.Notify.HostPrefix == "" {
		cfg.Notify.HostPrefix = "/host"
	}
}

func applyWritebackDefaults(cfg *WritebackConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 64 * bytesize.KiB
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = string(store.TypeMemory)
	}

	switch store.Type(cfg.Store.Type) {
	case store.TypeFilesystem:
		if cfg.Store.Filesystem.DirMode == 0 {
			cfg.Store.Filesystem.DirMode = 0755
		}
		if cfg.Store.Filesystem.FileMode == 0 {
			cfg.Store.Filesystem.FileMode = 0644
		}
	case store.TypePostgres:
		cfg.Store.Postgres.ApplyDefaults()
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// The generated configuration brings up the core subsystems only, keeps
// blocks in memory and has every optional feature disabled.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// BufferPool returns the allocator configuration.
func (c *Config) BufferPool() bufpool.Config {
	return bufpool.Config{
		SmallSize:  c.Heap.SmallSize.Int(),
		MediumSize: c.Heap.MediumSize.Int(),
		LargeSize:  c.Heap.LargeSize.Int(),
	}
}

// Cache returns the write-back cache configuration.
func (c *Config) Cache() writeback.Config {
	return writeback.Config{
		BlockSize:     c.Writeback.BlockSize.Int(),
		FlushInterval: c.Writeback.FlushInterval,
		OSSync:        c.Sync.OSSync,
	}
}
