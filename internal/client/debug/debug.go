// Package debug is the terminal client's optional file log. The UI owns
// the terminal, so nothing is written to stdout or stderr.
package debug

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is disabled until Enable is called.
var Log = zerolog.Nop()

// Enable starts appending JSON lines to path. The returned func closes
// the file.
func Enable(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	Log = newLogger(f)
	return f.Close, nil
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("app", "cldzshop-client").Logger().Level(zerolog.DebugLevel)
}
