package filelock

// ============================================================================
// Lock Table Configuration
// ============================================================================

// Config contains the limits of the lock table.
type Config struct {
	// MaxLocksPerFile is the maximum number of lock records on a single inode.
	// Default: 1000
	MaxLocksPerFile int `mapstructure:"max_locks_per_file" yaml:"max_locks_per_file" validate:"gte=0"`

	// MaxTotalLocks is the ceiling across every inode.
	// Default: 100000
	MaxTotalLocks int `mapstructure:"max_total_locks" yaml:"max_total_locks" validate:"gte=0"`
}

// DefaultConfig returns a Config with the default limits.
func DefaultConfig() Config {
	return Config{
		MaxLocksPerFile: 1000,
		MaxTotalLocks:   100000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLocksPerFile <= 0 {
		c.MaxLocksPerFile = d.MaxLocksPerFile
	}
	if c.MaxTotalLocks <= 0 {
		c.MaxTotalLocks = d.MaxTotalLocks
	}
	return c
}
