package telemetry

// Config holds OpenTelemetry configuration
type Config struct {
	// Enabled indicates whether tracing is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServiceName is the name of the service reported to the trace backend
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// ServiceVersion is the version of the service
	ServiceVersion string `mapstructure:"-" yaml:"-"`

	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS towards the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate (0.0 to 1.0)
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`

	// Profiling configures continuous profiling
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "vfsinit",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		Profiling: ProfilingConfig{
			ServiceName:  "vfsinit",
			Endpoint:     "http://localhost:4040",
			ProfileTypes: []string{"cpu", "alloc_space", "inuse_space", "goroutines"},
		},
	}
}
