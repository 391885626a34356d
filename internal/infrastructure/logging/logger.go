// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the logger output
type Options struct {
	Level   string
	Debug   bool
	JSON    bool
	NoColor bool
	Out     io.Writer
}

// New returns a logger writing to Out (stderr by default). Debug forces the
// debug level regardless of Level. Output goes through the console writer
// unless JSON is set.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    opts.NoColor,
			TimeFormat: time.Kitchen,
		}
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level, opts.Debug)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to zerolog, falling back to warn
func ParseLevel(level string, debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	if level == "" {
		return zerolog.WarnLevel
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.WarnLevel
	}
	return parsed
}
