package relay

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a colored tint logger in dev and a JSON logger otherwise.
func NewLogger(w io.Writer, appEnv string, level slog.Level, version string) *slog.Logger {
	if appEnv == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", AppName)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		"app", AppName,
		"version", version,
		"env", appEnv,
	)
}

const AppName = "vitals-relay"
