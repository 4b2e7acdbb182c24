package app

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"ticketrelay/internal/config"
)

// NewLogger builds the process logger: a console writer in development
// unless JSON is asked for, JSON otherwise.
func NewLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	format := cfg.Log.Format
	if format == "" {
		format = "json"
		if cfg.IsDevelopment() {
			format = "console"
		}
	}

	var w io.Writer = out
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "ticketrelay").
		Logger(), nil
}
