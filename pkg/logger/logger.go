// Package logger wraps log/slog with the process-wide application and audit loggers.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the rotating audit log.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
)

// Init configures the global loggers. Calling it again replaces the previous
// configuration and closes the files it opened.
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()

	if prev != nil {
		return closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*state, error) {
	s := &state{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	writer, err := s.openOutputs(cfg.OutputPaths)
	if err != nil {
		_ = closeAll(s.closers)
		return nil, err
	}
	s.app = slog.New(newHandler(cfg.Format, writer, opts))
	s.audit = s.app

	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			_ = closeAll(s.closers)
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		rw, err := newRotatingWriter(cfg.Audit.Path, rotationPolicy{
			maxSizeMB:  cfg.Audit.MaxSizeMB,
			maxBackups: cfg.Audit.MaxBackups,
			maxAgeDays: cfg.Audit.MaxAgeDays,
		})
		if err != nil {
			_ = closeAll(s.closers)
			return nil, err
		}
		s.closers = append(s.closers, rw)
		s.audit = slog.New(slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With("stream", "audit")
	}
	return s, nil
}

func (s *state) openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			s.closers = append(s.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func load() *state {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger.
func L() *slog.Logger {
	return load().app
}

// Audit returns the audit logger. Without an audit file it aliases L().
func Audit() *slog.Logger {
	return load().audit
}

// Named returns a child logger tagged with the component name.
func Named(component string) *slog.Logger {
	return L().With("component", component)
}

// Sync closes every file opened by the loggers.
func Sync() error {
	mu.Lock()
	s := current
	mu.Unlock()
	if s == nil {
		return nil
	}
	err := closeAll(s.closers)
	s.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
