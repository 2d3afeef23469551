package testhelpers

import (
	"io"
	"log/slog"
)

// NewTestLogger returns a slog logger that discards everything.
// Tests that assert on log output build their own handler instead.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
