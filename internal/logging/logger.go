// Package logging owns the process-wide zerolog base logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the base logger.
type Config struct {
	Level   string    // "debug", "info", ...; falls back to LOG_LEVEL
	Output  io.Writer // defaults to os.Stdout
	Service string    // attached to every entry
	Pretty  bool      // human-readable console output for local runs
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the base logger exactly once. Later calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339Nano

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}
		if cfg.Pretty {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
		}

		service := cfg.Service
		if service == "" {
			service = "voxgate"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// ForSession returns a component logger that carries the session id.
func ForSession(component, sessionID string) zerolog.Logger {
	return logger().With().
		Str("component", component).
		Str("session_id", sessionID).
		Logger()
}
