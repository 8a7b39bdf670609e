package config

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLogLevel converts a string to a slog.Level, accepting the same
// vocabulary as LoggingConfig.Level. Grounded on the teacher's
// logger.go parseLogLevel/setupLogger, generalized to slog.Level
// directly instead of an intermediate LogLevel string type.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return slog.LevelInfo, &unknownLogLevelError{level: level}
	}
}

type unknownLogLevelError struct{ level string }

func (e *unknownLogLevelError) Error() string {
	return "invalid log level: " + e.level + " (must be error, warn, info, or debug)"
}

// SetupLogger builds a structured text logger at the given level,
// matching the teacher's slog.NewTextHandler(os.Stdout, opts) setup.
func SetupLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
