// Package logger builds the root zerolog logger for the process. Every
// component derives its own sub-logger from it via With().Str("component").
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the log level and output format.
type Config struct {
	Level  string // zerolog level name: trace, debug, info, warn, error
	Pretty bool   // human-readable console output instead of JSON lines
}

// New builds the root logger. Unknown or empty level names fall back to
// info rather than failing startup.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
