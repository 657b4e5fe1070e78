package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/conductor/internal/config"
)

// Logger is the process logger together with the writers it owns.
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string    // debug, info, warn, error
	File      string    // log file path
	Console   bool      // enable console output
	Pretty    bool      // pretty format for console
	Redaction bool      // enable sensitive data redaction
	Secrets   []string  // literal values always redacted, e.g. configured API keys
	MaxSize   int       // max size in MB before rotation
	MaxAge    int       // max age in days
	Compress  bool      // compress rotated logs
	Output    io.Writer // console destination, defaults to stderr
}

// DefaultConfig mirrors the logging defaults of config.DefaultConfig.
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig())
}

// FromConfig builds a logger config from the logging section. Provider API
// keys are registered as secrets.
func FromConfig(cfg *config.Config) Config {
	lc := cfg.Logging
	out := Config{
		Level:     lc.Level,
		File:      lc.File,
		Console:   lc.Console,
		Pretty:    lc.Pretty,
		Redaction: lc.Redaction,
		MaxSize:   lc.MaxSize,
		MaxAge:    lc.MaxAge,
		Compress:  lc.Compress,
	}
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			out.Secrets = append(out.Secrets, p.APIKey)
		}
	}
	return out
}

// SetLevel parses level and installs it as the zerolog global level. Loggers
// built by New do not filter on their own, so this also changes the level of
// every logger derived from them.
func SetLevel(level string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, err
	}
	if level == "" || lvl == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("empty log level")
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl, nil
}

// New builds the process logger and installs it as the zerolog global
// logger. An unknown level falls back to info.
func New(cfg Config) (*Logger, error) {
	if _, err := SetLevel(cfg.Level); err != nil {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	l := &Logger{}
	writer, err := l.openWriters(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, s := range cfg.Secrets {
			l.redactor.AddSecret(s)
		}
		writer = l.redactor.Wrap(writer)
	}

	l.logger = zerolog.New(zerolog.SyncWriter(writer)).With().Timestamp().Logger()
	log.Logger = l.logger
	return l, nil
}

// openWriters combines the console and file outputs. Stdout is never used;
// it is reserved for command output.
func (l *Logger) openWriters(cfg Config) (io.Writer, error) {
	var writers []io.Writer

	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		writers = append(writers, out)
	}

	if cfg.File != "" {
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		file, err := NewRotatingWriter(cfg.File, maxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		l.file = file
		writers = append(writers, file)
	}

	switch len(writers) {
	case 0:
		return io.Discard, nil
	case 1:
		return writers[0], nil
	default:
		return zerolog.MultiLevelWriter(writers...), nil
	}
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
