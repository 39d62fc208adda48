package log

import (
	"os"

	"github.com/rs/zerolog"
)

func defaultWriter(format string) *os.File {
	return os.Stderr
}

// NewNopLogger returns a logger that discards all log output.
func NewNopLogger() Logger {
	return defaultLogger{
		Logger: zerolog.Nop(),
	}
}
