// Package logging builds the zerolog loggers injected into every component.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how much to log.
type Options struct {
	// Service is added as a field to every entry.
	Service string
	// Level is a zerolog level name; empty means info.
	Level string
	// Format is auto, console or json. Auto picks console when the output
	// is a terminal.
	Format string
	// File, when set, sends JSON logs to a size-rotated file instead of
	// the output writer.
	File string
	// Output defaults to os.Stderr.
	Output io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a configured logger and a Closer that releases its file, if
// any.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		w, closer = lj, lj
	} else {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		w = out
		if useConsole(opts.Format, out) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
		}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger().Level(level), closer, nil
}

func useConsole(format string, out io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
