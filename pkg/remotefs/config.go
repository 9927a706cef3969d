package remotefs

import "time"

// Config configures the remote filesystem server.
type Config struct {
	// Listen is the TCP address to bind, e.g. ":7070" or "127.0.0.1:0".
	// Default: 127.0.0.1:7070
	Listen string `mapstructure:"listen" yaml:"listen" validate:"required"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 10s
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout is the maximum duration for writing a response.
	// Default: 30s
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 60s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	// RequestTimeout bounds the handling of a single request.
	// Default: 30s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`

	// MaxBodySize caps the size of a file upload in bytes.
	// Default: 64MiB
	MaxBodySize int64 `mapstructure:"max_body_size" yaml:"max_body_size" validate:"gte=0"`
}

// DefaultListen is the default bind address.
const DefaultListen = "127.0.0.1:7070"

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 64 << 20
	}
}
