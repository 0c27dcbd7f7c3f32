// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a logger writing to stdout. format "console" selects the
// human readable writer; anything else writes JSON lines. Every sink
// receives the JSON lines regardless of format.
func New(app, level, format string, sinks ...io.Writer) zerolog.Logger {
	return NewWithWriter(os.Stdout, app, level, format, sinks...)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, app, level, format string, sinks ...io.Writer) zerolog.Logger {
	var output io.Writer = w
	if strings.EqualFold(format, "console") {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	if len(sinks) > 0 {
		output = zerolog.MultiLevelWriter(append([]io.Writer{output}, sinks...)...)
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
