package testhelpers

import (
	"io"
	"log/slog"
)

// Logger returns a logger that discards all output, for use in tests
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
