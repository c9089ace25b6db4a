// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger in development and a JSON logger
// everywhere else.
func New(development bool) zerolog.Logger {
	return newLogger(os.Stdout, development)
}

func newLogger(out io.Writer, development bool) zerolog.Logger {
	if development {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Logger()
}
