package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog logger. Structured JSON keeps the output
// shippable to any log backend without a custom parser.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// For returns a child logger tagged with the owning component.
func For(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = New("info")
	}
	return base.With("component", component)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
