package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "stdout", "stderr", or file path
	Component  string `json:"component"`
	JSONFormat bool   `json:"json_format"` // Output as JSON, console writer otherwise
}

var (
	defaultLogger zerolog.Logger
	defaultOnce   sync.Once
	defaultMu     sync.RWMutex
)

// ParseLevel converts a string to a zerolog level. Unknown values mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a root logger with the given configuration. It also returns the
// writer so callers can close a log file on shutdown.
func New(cfg *Config) (zerolog.Logger, io.Writer) {
	var output io.Writer = os.Stdout

	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	return newWithWriter(cfg, output), output
}

func newWithWriter(cfg *Config, output io.Writer) zerolog.Logger {
	w := output
	if !cfg.JSONFormat {
		w = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("service", cfg.Component)
	}
	return ctx.Logger()
}

// Init installs the process-wide default logger.
func Init(cfg *Config) zerolog.Logger {
	l, _ := New(cfg)
	SetDefault(l)
	return l
}

// SetDefault replaces the default logger.
func SetDefault(l zerolog.Logger) {
	defaultOnce.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the default logger, creating a JSON stdout logger on first use.
func Default() zerolog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = newWithWriter(&Config{Level: "INFO", JSONFormat: true}, os.Stdout)
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Component returns base tagged with a component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
