package autoflow

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LoggerOptions configures NewLoggerWith. Zero values log to stdout at
// info level in text format.
type LoggerOptions struct {
	Writer io.Writer
	Level  slog.Level
	JSON   bool
}

// NewLogger returns a logger that writes to stdout with colorized output
// if stdout is a terminal.
func NewLogger() *slog.Logger {
	return NewLoggerWith(LoggerOptions{})
}

// NewJSONLogger returns a logger that writes to stdout in JSON format.
func NewJSONLogger() *slog.Logger {
	return NewLoggerWith(LoggerOptions{JSON: true})
}

// NewLoggerWith builds a logger from options. Text output is colorized
// when the writer is a terminal.
func NewLoggerWith(opts LoggerOptions) *slog.Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(opts.Writer, &slog.HandlerOptions{Level: opts.Level}))
	}
	noColor := true
	if file, ok := opts.Writer.(*os.File); ok {
		noColor = !isatty.IsTerminal(file.Fd())
	}
	return slog.New(tint.NewHandler(opts.Writer, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}))
}
