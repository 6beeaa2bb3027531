package cli

import (
	"io"
	"log/slog"
)

// setupLogging installs the process logger. Records go to w and, when
// extra is non-nil, are copied there too (the session debug log).
func setupLogging(opts *RootOptions, w io.Writer, extra io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	if extra != nil {
		w = io.MultiWriter(w, extra)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
