package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// traceLevelValue is the slog level used for TRACE, below Debug (-4)
const traceLevelValue = slog.Level(-8)

type loggerContextKey struct{ name string }

// TraceIDKey is the context key for trace IDs. Use WithTraceID to set values.
var TraceIDKey = loggerContextKey{"trace_id"}

// WithTraceID returns a new context carrying traceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceIDFrom returns the trace ID stored in ctx, if any
func TraceIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(TraceIDKey).(string)
	return id, ok && id != ""
}

// SlogLogger implements Logger on top of a slog.Handler
type SlogLogger struct {
	handler      slog.Handler
	module       string
	level        slog.Level
	moduleLevels map[string]slog.Level
	timezone     *time.Location
	flush        func() error
}

var _ Logger = (*SlogLogger)(nil)

// NewSlogLogger creates a text logger writing to w. Intended for tests and tools.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) *SlogLogger {
	if tz == nil {
		tz = time.Local
	}
	return &SlogLogger{
		handler:  newTextHandler(w, tz),
		level:    parseLogLevel(string(level)),
		timezone: tz,
	}
}

// NewDiscard returns a logger that drops everything
func NewDiscard() *SlogLogger {
	return &SlogLogger{
		handler:  slog.DiscardHandler,
		level:    slog.LevelError + 1,
		timezone: time.UTC,
	}
}

func newTextHandler(w io.Writer, tz *time.Location) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       traceLevelValue,
		ReplaceAttr: replaceAttr(tz),
	})
}

func newJSONHandler(w io.Writer, tz *time.Location) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       traceLevelValue,
		ReplaceAttr: replaceAttr(tz),
	})
}

func replaceAttr(tz *time.Location) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			if t, ok := a.Value.Any().(time.Time); ok {
				a.Value = slog.TimeValue(t.In(tz))
			}
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= traceLevelValue {
				a.Value = slog.StringValue("TRACE")
			}
		}
		return a
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case string(LogLevelTrace):
		return traceLevelValue
	case string(LogLevelDebug):
		return slog.LevelDebug
	case string(LogLevelWarn), "warning":
		return slog.LevelWarn
	case string(LogLevelError):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Module returns a child logger with the module attribute set.
// Nested modules are joined with a dot.
func (l *SlogLogger) Module(name string) Logger {
	full := name
	if l.module != "" {
		full = l.module + "." + name
	}
	level := l.level
	if lvl, ok := l.moduleLevels[full]; ok {
		level = lvl
	} else if lvl, ok := l.moduleLevels[name]; ok {
		level = lvl
	}
	return &SlogLogger{
		handler:      l.handler.WithAttrs([]slog.Attr{slog.String("module", full)}),
		module:       full,
		level:        level,
		moduleLevels: l.moduleLevels,
		timezone:     l.timezone,
		flush:        l.flush,
	}
}

// With returns a logger that adds fields to every record
func (l *SlogLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	clone := *l
	clone.handler = l.handler.WithAttrs(toAttrs(fields))
	return &clone
}

// WithContext returns a logger carrying the context's trace ID
func (l *SlogLogger) WithContext(ctx context.Context) Logger {
	if id, ok := TraceIDFrom(ctx); ok {
		return l.With(String("trace_id", id))
	}
	return l
}

func (l *SlogLogger) Trace(msg string, fields ...Field) { l.log(traceLevelValue, msg, fields) }
func (l *SlogLogger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields) }
func (l *SlogLogger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields) }
func (l *SlogLogger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields) }

// Log logs at an explicit level
func (l *SlogLogger) Log(level LogLevel, msg string, fields ...Field) {
	l.log(parseLogLevel(string(level)), msg, fields)
}

// Flush flushes file outputs when the logger was built by a CentralLogger
func (l *SlogLogger) Flush() error {
	if l.flush == nil {
		return nil
	}
	return l.flush()
}

func (l *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(toAttrs(fields)...)
	_ = l.handler.Handle(ctx, r)
}

func toAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}
