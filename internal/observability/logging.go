package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns the service-standard logger: JSON to stdout, tagged
// with the originating component. The level comes from PUSD_LOG_LEVEL
// and defaults to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, envLogLevel())
}

// NewLoggerWithLevel is NewLogger with the level pinned by the caller.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func envLogLevel() zerolog.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("PUSD_LOG_LEVEL")))
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
