package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. format "pretty" writes human-readable console
// output; anything else writes JSON lines.
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New builds a logger writing to out.
func New(out io.Writer, level, format string) zerolog.Logger {
	writer := out
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
