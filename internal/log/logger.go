// ABOUTME: Process-wide zerolog configuration
// ABOUTME: Configures the base logger once and hands out component loggers
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the base logger
type Config struct {
	Level   string    // "trace", "debug", "info", ... (default: info)
	Output  io.Writer // default: os.Stderr
	Console bool      // human readable output instead of JSON
	Service string    // attached to every entry (default: airplay)
	Version string
}

var (
	once sync.Once
	base = zerolog.Nop()
)

// Configure initialises the base logger. Only the first call has effect.
func Configure(cfg Config) {
	once.Do(func() {
		base = New(cfg)
	})
}

// New builds a logger from cfg without touching the base logger
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}
	if cfg.Console {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
	}

	service := cfg.Service
	if service == "" {
		service = "airplay"
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp().Str("service", service)
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

// Base returns the configured base logger, a no-op logger before Configure
func Base() zerolog.Logger {
	return base
}

// WithComponent returns a child logger annotated with the given component name
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
