package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "practicum-enrichment"

// New returns a console logger at info level, used before config is loaded.
func New() zerolog.Logger {
	return build(consoleWriter(os.Stdout, false), zerolog.InfoLevel).
		With().
		Caller().
		Logger()
}

func NewWithConfig(level string, pretty, noColor bool) zerolog.Logger {
	var out io.Writer = os.Stdout
	if pretty {
		out = consoleWriter(os.Stdout, noColor)
	}
	return build(out, parseLevel(level))
}

func build(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

func consoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
