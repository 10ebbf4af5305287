// Package logging wires zerolog for the CLI: a console writer for
// interactive use, plain JSON otherwise, with the level and time format
// set once at process start.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger for the given component name. pretty selects the
// console writer (dev/TTY use); when false, logs are plain JSON suitable
// for shipping to a log aggregator.
func New(component string, level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = os.Stderr
	logger := zerolog.New(writer).Level(lvl).With().Timestamp().Str("component", component).Logger()
	if pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen})
	}
	return logger
}
