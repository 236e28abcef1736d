// Package logging builds the single zerolog.Logger threaded through the
// whole process, mirroring the teacher's monitoring.NewLogger /
// LoggerConfig shape (level + format, JSON by default, a pretty console
// writer for local development).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// New builds a zerolog.Logger per cfg. An unrecognized level falls back to
// info; an unrecognized format falls back to json.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out zerolog.Logger
	switch strings.ToLower(cfg.Format) {
	case "pretty":
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	case "text":
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: "15:04:05"})
	default:
		out = zerolog.New(os.Stdout)
	}
	return out.Level(level).With().Timestamp().Logger()
}
