// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

// Init replaces log.Logger. Output goes to stderr, and additionally to a
// rotated file when File is set. Stdout is left to the chat transcript.
func Init(cfg Config) error {
	return initTo(os.Stderr, cfg)
}

func initTo(stderr io.Writer, cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var w io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: stderr}
	case "json":
		w = stderr
	default:
		return fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	if cfg.File != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return nil
}

func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("logging: unknown level %q", s)
}
