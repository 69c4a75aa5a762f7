// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures the global logger.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// BufferSize is the number of recent entries kept in memory. Zero disables
	// capture.
	BufferSize int `mapstructure:"buffer_size"`
}

// Setup initializes the global logger. Entries are also captured by the
// buffer returned from Captured when cfg.BufferSize is positive.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = New(os.Stdout, cfg)
	return log.Logger
}

// New builds a logger writing to out. It does not replace the global logger.
func New(out io.Writer, cfg Config) zerolog.Logger {
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if cfg.BufferSize > 0 {
		out = zerolog.MultiLevelWriter(out, newCapture(cfg.BufferSize))
	}
	return zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	if strings.EqualFold(level, "warning") {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Get returns a child of the global logger tagged with component.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
