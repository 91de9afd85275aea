// Package logging provides structured logging for feedsync using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is json, console, or auto (console on a terminal, json otherwise).
	Format string

	// Output is where logs are written when File is empty. Defaults to stderr.
	Output io.Writer

	// File, when set, sends logs to a size-rotated file instead of Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// EnableCaller adds caller information to logs.
	EnableCaller bool
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "auto",
		Output:     os.Stderr,
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// Init replaces the global logger. The returned closer releases the log
// file and is a no-op when File is empty.
func Init(cfg Config) io.Closer {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out, closer := sink(cfg)
	if console(cfg.Format, out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000", NoColor: cfg.File != ""}
	}

	b := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		b = b.Caller()
	}
	Logger = b.Logger()
	return closer
}

// sink picks the destination: a lumberjack-rotated file when File is set,
// Output otherwise.
func sink(cfg Config) (io.Writer, io.Closer) {
	if cfg.File == "" {
		if cfg.Output == nil {
			return os.Stderr, io.NopCloser(nil)
		}
		return cfg.Output, io.NopCloser(nil)
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return rotating, rotating
}

// console reports whether to use the human-readable writer. "auto" picks it
// for terminals only.
func console(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	default:
		parsed, err := zerolog.ParseLevel(name)
		if err != nil || name == "" {
			return zerolog.InfoLevel
		}
		return parsed
	}
}

// Component returns a child of the global logger tagged with component.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithFeed returns a component logger scoped to one feed.
func WithFeed(component, feed string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("feed", feed).Logger()
}

func init() {
	Init(DefaultConfig())
}
