package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config configures the PostgreSQL block store.
type Config struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`

	// AutoMigrate applies pending schema migrations when the store opens.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 1
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 30 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("postgres database is required")
	}
	if c.User == "" {
		return errors.New("postgres user is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid postgres port %d", c.Port)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) exceeds max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// ConnectionString returns a postgres:// URL for the configuration.
func (c *Config) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
