// Package logx provides the structured logging implementation based on slog.
//
// Overview:
//   - Responsibility: Process-wide logging with logfmt/JSON output, sorted fields, redaction
//   - Key Types: Logger implementing core/log.Logger, SetupOptions for the process sink
//   - Concurrency Model: All loggers are safe for concurrent use; Setup runs once per process
//   - Error Semantics: Logging never fails the caller; Setup reports sink open errors
//   - Performance Notes: One buffer per record, single write under the writer lock
//
// Usage:
//
//	logger, err := logx.Setup("nova", logx.SetupOptions{Level: "debug", Format: logx.FormatJSON})
//	logger.Info("service started", log.Str("topic", "compute"))
package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pnavarro/nova/core/identity"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/logx/internal"
)

// Format specifies the output format for logs.
type Format string

const (
	// FormatLogfmt outputs logs in logfmt format (key=value pairs).
	FormatLogfmt Format = "logfmt"
	// FormatJSON outputs one JSON object per line.
	FormatJSON Format = "json"
)

// DefaultSensitiveFields are masked by every logger unless overridden.
var DefaultSensitiveFields = []string{"password", "transport_url", "sql_connection", "redis_url"}

// Options configures the logger behavior.
type Options struct {
	Format           Format     // Output format: logfmt or json
	Level            slog.Level // Minimum log level
	Color            bool       // Enable colorization for level field only
	Writer           io.Writer  // Output writer (default: os.Stderr)
	PayloadMaxBytes  int        // Maximum bytes to log for large payloads (0 = unlimited)
	SensitiveFields  []string   // Field names to mask
	DisableTimestamp bool       // Disable timestamp in output
}

// Option configures logger behavior.
type Option func(*Options)

// WithFormat sets the output format.
func WithFormat(format Format) Option {
	return func(o *Options) { o.Format = format }
}

// WithLevel sets the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(o *Options) { o.Level = level }
}

// WithColor enables colorization for the level field only.
func WithColor(enabled bool) Option {
	return func(o *Options) { o.Color = enabled }
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(o *Options) { o.Writer = w }
}

// WithPayloadLimit sets the maximum bytes to log for large payloads.
func WithPayloadLimit(maxBytes int) Option {
	return func(o *Options) { o.PayloadMaxBytes = maxBytes }
}

// WithSensitiveFields replaces the set of masked field names.
func WithSensitiveFields(fields ...string) Option {
	return func(o *Options) { o.SensitiveFields = fields }
}

// WithTimestamp toggles the leading time field.
func WithTimestamp(enabled bool) Option {
	return func(o *Options) { o.DisableTimestamp = !enabled }
}

// Logger implements the core/log.Logger interface using slog.
type Logger struct {
	handler *internal.Handler
	attrs   []slog.Attr
}

// New creates a new Logger with the given options.
func New(opts ...Option) *Logger {
	options := Options{
		Format:           FormatLogfmt,
		Level:            slog.LevelInfo,
		Writer:           os.Stderr,
		SensitiveFields:  DefaultSensitiveFields,
		DisableTimestamp: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Writer == nil {
		options.Writer = os.Stderr
	}

	return &Logger{handler: internal.NewHandler(internal.Options{
		Format:           string(options.Format),
		Level:            options.Level,
		Color:            options.Color,
		PayloadMaxBytes:  options.PayloadMaxBytes,
		SensitiveFields:  options.SensitiveFields,
		DisableTimestamp: options.DisableTimestamp,
	}, options.Writer)}
}

// Handler exposes the underlying slog.Handler with the logger's fields attached.
func (l *Logger) Handler() slog.Handler {
	return l.handler.WithAttrs(l.attrs)
}

// With returns a new Logger with the given key-value pairs attached.
func (l *Logger) With(kv ...any) log.Logger {
	attrs := append([]slog.Attr{}, l.attrs...)
	attrs = append(attrs, internal.KVToAttrs(kv)...)
	return &Logger{handler: l.handler, attrs: attrs}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kv ...any) {
	l.log(slog.LevelDebug, msg, internal.KVToAttrs(kv))
}

// Info logs an informational message.
func (l *Logger) Info(msg string, kv ...any) {
	l.log(slog.LevelInfo, msg, internal.KVToAttrs(kv))
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kv ...any) {
	l.log(slog.LevelWarn, msg, internal.KVToAttrs(kv))
}

// Error logs an error message. A nil err is omitted.
func (l *Logger) Error(err error, msg string, kv ...any) {
	attrs := internal.KVToAttrs(kv)
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("error", err)}, attrs...)
	}
	l.log(slog.LevelError, msg, attrs)
}

func (l *Logger) log(level slog.Level, msg string, attrs []slog.Attr) {
	all := append([]slog.Attr{}, l.attrs...)
	all = append(all, attrs...)
	l.handler.LogRecord(level, msg, all)
}

// FromContext returns base with request_id and user fields taken from ctx.
func FromContext(ctx context.Context, base log.Logger) log.Logger {
	rc, ok := identity.RequestFrom(ctx)
	if !ok {
		return base
	}

	attrs := []any{"request_id", rc.RequestID}
	if rc.UserID != "" {
		attrs = append(attrs, "user_id", rc.UserID)
	}
	if rc.ProjectID != "" {
		attrs = append(attrs, "project_id", rc.ProjectID)
	}
	return base.With(attrs...)
}

// ParseLevel maps a level name to a slog.Level. Matching is case-insensitive;
// "warning" is accepted as an alias of "warn".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
