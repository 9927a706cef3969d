// Package config loads the vfsinit configuration.
//
// Sources, highest precedence first: environment variables (VFSINIT_*), the
// configuration file, built-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/vfsinit/internal/bytesize"
	"github.com/marmos91/vfsinit/internal/telemetry"
	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/metrics"
	"github.com/marmos91/vfsinit/pkg/notify"
	"github.com/marmos91/vfsinit/pkg/remotefs"
	"github.com/marmos91/vfsinit/pkg/writeback/store/badger"
	"github.com/marmos91/vfsinit/pkg/writeback/store/fs"
	"github.com/marmos91/vfsinit/pkg/writeback/store/postgres"
	"github.com/marmos91/vfsinit/pkg/writeback/store/s3"
)

// EnvPrefix prefixes every environment override, e.g. VFSINIT_LOGGING_LEVEL.
const EnvPrefix = "VFSINIT"

// Config is the complete vfsinit configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics controls the Prometheus endpoint
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Features selects the optional bring-up steps
	Features FeaturesConfig `mapstructure:"features" yaml:"features"`

	// Heap configures the buffer allocator size classes
	Heap HeapConfig `mapstructure:"heap" yaml:"heap"`

	// Inode configures the inode registry
	Inode InodeConfig `mapstructure:"inode" yaml:"inode"`

	// Lock configures the file-lock table
	Lock filelock.Config `mapstructure:"lock" yaml:"lock"`

	// AIO configures asynchronous I/O
	AIO aio.Config `mapstructure:"aio" yaml:"aio"`

	// Remote configures the remote filesystem server
	Remote remotefs.Config `mapstructure:"remote" yaml:"remote"`

	// Notify configures change notification
	Notify notify.Config `mapstructure:"notify" yaml:"notify"`

	// Writeback configures the write-back cache and its durable store
	Writeback WritebackConfig `mapstructure:"writeback" yaml:"writeback"`

	// Sync configures the lifecycle-triggered flush
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written: stdout, stderr or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// FeaturesConfig enables the optional subsystems. Each is brought up in a
// fixed position of the sequence when enabled and skipped otherwise.
type FeaturesConfig struct {
	AsyncIO      bool `mapstructure:"async_io" yaml:"async_io"`
	RemoteServer bool `mapstructure:"remote_server" yaml:"remote_server"`
	ChangeNotify bool `mapstructure:"change_notify" yaml:"change_notify"`
}

// HeapConfig sets the allocator size classes.
type HeapConfig struct {
	SmallSize  bytesize.ByteSize `mapstructure:"small_size" yaml:"small_size" validate:"gt=0"`
	MediumSize bytesize.ByteSize `mapstructure:"medium_size" yaml:"medium_size" validate:"gtfield=SmallSize"`
	LargeSize  bytesize.ByteSize `mapstructure:"large_size" yaml:"large_size" validate:"gtfield=MediumSize"`
}

// InodeConfig configures the inode registry.
type InodeConfig struct {
	// Directories are reserved right after the registry comes up.
	// Default: [/dev, /tmp]
	Directories []string `mapstructure:"directories" yaml:"directories" validate:"dive,startswith=/"`
}

// WritebackConfig configures the write-back cache.
type WritebackConfig struct {
	// BlockSize is the cache and storage block size
	// Default: 64KiB
	BlockSize bytesize.ByteSize `mapstructure:"block_size" yaml:"block_size" validate:"gt=0"`

	// FlushInterval enables periodic background flushes; zero disables them
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`

	// Store selects the durable backend
	Store StoreConfig `mapstructure:"store" yaml:"store"`
}

// StoreConfig selects and configures the durable block store. Only the
// section matching Type is used.
type StoreConfig struct {
	// Type is one of memory, filesystem, badger, s3, postgres
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory filesystem badger s3 postgres"`

	Filesystem fs.Config       `mapstructure:"filesystem" yaml:"filesystem"`
	Badger     badger.Config   `mapstructure:"badger" yaml:"badger"`
	S3         s3.Config       `mapstructure:"s3" yaml:"s3"`
	Postgres   postgres.Config `mapstructure:"postgres" yaml:"postgres"`
}

// SyncConfig configures the flush run on power-off and restart.
type SyncConfig struct {
	// OSSync also flushes host filesystem buffers with sync(2)
	OSSync bool `mapstructure:"os_sync" yaml:"os_sync"`

	// Timeout bounds one lifecycle-triggered flush
	// Default: 30s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath searches the default location. A missing file is not
// an error: defaults and environment overrides apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for CLI commands: the file must exist, and the error
// explains how to create it.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  vfsinit config init\n\n"+
				"Or specify a custom config file:\n"+
				"  vfsinit <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  vfsinit config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Store credentials may be present.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper seeds v with the defaults, so every key is known to the
// environment binding, and points it at the configuration file.
func setupViper(v *viper.Viper, configPath string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return nil
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	return nil
}

// readConfigFile merges the configuration file over the defaults and
// reports whether one was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the ByteSize and time.Duration hooks.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "64KiB" and plain numbers to
// bytesize.ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration; raw
// integers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/vfsinit, ~/.config/vfsinit, or "."
// when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vfsinit")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vfsinit")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
