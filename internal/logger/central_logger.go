package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal sets the global CentralLogger instance
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the global CentralLogger, or a console fallback when none was set
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		globalLogger = &CentralLogger{
			root: &SlogLogger{
				handler:  newTextHandler(os.Stdout, time.Local),
				level:    slog.LevelInfo,
				timezone: time.Local,
			},
		}
	}
	return globalLogger
}

// CentralLogger owns the output handlers and hands out module loggers
type CentralLogger struct {
	root *SlogLogger
	file *os.File
	mu   sync.Mutex
}

// NewCentralLogger builds the handler chain described by cfg
func NewCentralLogger(cfg *Config) (*CentralLogger, error) {
	if cfg == nil {
		cfg = &Config{Console: true}
	}
	applyConfigDefaults(cfg)

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid log timezone %q: %w", cfg.Timezone, err)
	}

	cl := &CentralLogger{}
	var handlers []slog.Handler
	if cfg.Console {
		handlers = append(handlers, newTextHandler(os.Stdout, tz))
	}
	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cl.file = f
		handlers = append(handlers, newJSONHandler(f, tz))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	moduleLevels := make(map[string]slog.Level, len(cfg.ModuleLevels))
	for module, level := range cfg.ModuleLevels {
		moduleLevels[module] = parseLogLevel(level)
	}

	cl.root = &SlogLogger{
		handler:      handler,
		level:        parseLogLevel(cfg.Level),
		moduleLevels: moduleLevels,
		timezone:     tz,
		flush:        cl.Flush,
	}
	return cl, nil
}

// Module returns a logger scoped to name
func (cl *CentralLogger) Module(name string) Logger {
	return cl.root.Module(name)
}

// Logger returns the unscoped root logger
func (cl *CentralLogger) Logger() Logger {
	return cl.root
}

// Flush syncs the log file if one is open
func (cl *CentralLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Sync()
}

// Close flushes and closes file outputs
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := cl.file.Close()
	cl.file = nil
	return err
}

// multiHandler fans records out to several handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

var _ io.Closer = (*CentralLogger)(nil)
