package config

type LogConfig struct {
	// LogLevel controls the minimum level emitted: debug, info, warn, error
	LogLevel string `json:"logLevel,omitempty"`

	// LogHandler selects the slog handler: "text" (tint) or "json"
	LogHandler string `json:"logHandler,omitempty"`

	// TraceVerbose emits full span attributes regardless of size
	TraceVerbose bool `json:"traceVerbose,omitempty"`
}

func NewLogConfig() *LogConfig {
	return &LogConfig{
		LogLevel:   "info",
		LogHandler: "text",
	}
}
