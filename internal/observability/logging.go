package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment knobs read by NewLogger.
const (
	envLogLevel  = "CREDIT_LOG_LEVEL"
	envLogFormat = "CREDIT_LOG_FORMAT"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger is the process logger: JSON lines on stdout at the level named
// by CREDIT_LOG_LEVEL (info when unset or unknown). CREDIT_LOG_FORMAT=console
// switches to zerolog's human-readable writer for local runs.
func NewLogger(component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv(envLogFormat), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewLoggerTo(out, component, os.Getenv(envLogLevel))
}

// NewLoggerTo builds a component logger on w.
func NewLoggerTo(w io.Writer, component, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(LogLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// LogLevel maps a level name to zerolog's, defaulting to info.
func LogLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
