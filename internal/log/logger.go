package log

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New builds the process-global logger (spec §9 "a single Logger sink...
// initialized before any component thread starts"). style selects the
// handler: "tint" for colorized local/dev output, "json" for
// machine-parseable staging/production output, "auto" picks tint when
// stderr is a terminal and json otherwise.
func New(level slog.Level, style string) *slog.Logger {
	var inner slog.Handler

	switch resolveStyle(style) {
	case "json":
		inner = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		inner = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}

	return slog.New(NewContextHandler(inner))
}

func resolveStyle(style string) string {
	if style == "json" || style == "tint" {
		return style
	}
	if fi, err := os.Stderr.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		return "tint"
	}
	return "json"
}
