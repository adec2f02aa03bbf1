package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// Config controls how the logger renders events
type Config struct {
	Level  string    `json:"level" yaml:"level"`
	Pretty bool      `json:"pretty" yaml:"pretty"`
	Output io.Writer `json:"-" yaml:"-"`
}

// New builds a logger writing to stderr unless Config.Output is set.
// Unknown levels fall back to info.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return zerolog.Nop()
}
