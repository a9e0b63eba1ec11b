// Package logging sets up the shared slog logger for the opsplane
// binaries.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a text handler on stderr. The level comes from the
// OPSPLANE_LOG_LEVEL env var; a -log-level/--log-level argument wins
// over it and is removed from the returned slice so flag.Parse in the
// binaries never sees it.
func Init(args []string) []string {
	level := os.Getenv("OPSPLANE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	var kept []string
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--log-level="):
			level = strings.TrimPrefix(args[i], "--log-level=")
		case strings.HasPrefix(args[i], "-log-level="):
			level = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-log-level" || args[i] == "--log-level":
			if i+1 < len(args) {
				level = args[i+1]
				i++
			}
		default:
			kept = append(kept, args[i])
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(handler))
	return kept
}

// parseLevel maps a level name to slog's level. Unrecognised names fall
// back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
