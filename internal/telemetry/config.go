package telemetry

// Config selects where spans of the device stack are exported.
type Config struct {
	Enabled bool

	// ServiceName and ServiceVersion become resource attributes on every
	// span. ServiceVersion is the build of the agent, not the firmware.
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string
	Insecure bool

	// SampleRate is the fraction of root spans kept, clamped to [0, 1].
	SampleRate float64

	// Board identifies the simulated part the agent drives.
	Board Board
}

// Board describes the simulated part in span resources.
type Board struct {
	// Image is the path of the backing flash image.
	Image string

	// Firmware is the version of the running firmware image at start-up.
	Firmware string
}

// DefaultConfig returns tracing disabled with a local collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "flashkv",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
