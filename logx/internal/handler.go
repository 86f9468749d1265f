// Package internal provides internal implementation details for logx.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const redacted = "***REDACTED***"

// Options configures the handler behavior.
type Options struct {
	Format           string     // Output format: logfmt or json
	Level            slog.Level // Minimum log level
	Color            bool       // Colorize the level field (logfmt only)
	PayloadMaxBytes  int        // Maximum bytes to log for string values (0 = unlimited)
	SensitiveFields  []string   // Field names to mask (case-insensitive, matched on the last key segment)
	DisableTimestamp bool       // Disable timestamp in output
}

// Handler is a slog.Handler that writes logfmt or JSON with sorted fields.
// Handlers derived through WithAttrs/WithGroup share the writer lock.
type Handler struct {
	opts   Options
	mu     *sync.Mutex
	writer io.Writer
	attrs  []slog.Attr
	prefix string
}

// NewHandler creates a new Handler with the given options.
func NewHandler(opts Options, writer io.Writer) *Handler {
	return &Handler{
		opts:   opts,
		mu:     &sync.Mutex{},
		writer: writer,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return h.write(r.Time, r.Level, r.Message, attrs)
}

// LogRecord writes a record built by the logx Logger.
func (h *Handler) LogRecord(level slog.Level, msg string, attrs []slog.Attr) {
	if !h.Enabled(context.Background(), level) {
		return
	}
	_ = h.write(time.Now(), level, msg, attrs)
}

// WithAttrs returns a new Handler with the given attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), flatten(h.prefix, attrs)...)
	return &clone
}

// WithGroup returns a new Handler whose later attributes are prefixed with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *Handler) write(ts time.Time, level slog.Level, msg string, attrs []slog.Attr) error {
	all := append(append([]slog.Attr{}, h.attrs...), flatten(h.prefix, attrs)...)
	sorted := SortAttrs(all)

	var buf bytes.Buffer
	if h.opts.Format == "json" {
		h.encodeJSON(&buf, ts, level, msg, sorted)
	} else {
		h.encodeLogfmt(&buf, ts, level, msg, sorted)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) encodeLogfmt(buf *bytes.Buffer, ts time.Time, level slog.Level, msg string, attrs []slog.Attr) {
	if !h.opts.DisableTimestamp {
		buf.WriteString("time=")
		buf.WriteString(ts.Format(time.RFC3339))
		buf.WriteByte(' ')
	}

	levelStr := LevelString(level)
	buf.WriteString("level=")
	if h.opts.Color {
		buf.WriteString(ColorizeLevel(levelStr))
	} else {
		buf.WriteString(levelStr)
	}

	buf.WriteString(" msg=")
	buf.WriteString(strconv.Quote(msg))

	for _, attr := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(attr.Key)
		buf.WriteByte('=')
		buf.WriteString(FormatValue(attr.Key, attr.Value, h.opts))
	}
	buf.WriteByte('\n')
}

func (h *Handler) encodeJSON(buf *bytes.Buffer, ts time.Time, level slog.Level, msg string, attrs []slog.Attr) {
	buf.WriteByte('{')
	if !h.opts.DisableTimestamp {
		buf.WriteString(`"time":`)
		buf.WriteString(strconv.Quote(ts.Format(time.RFC3339)))
		buf.WriteByte(',')
	}
	buf.WriteString(`"level":`)
	buf.WriteString(strconv.Quote(LevelString(level)))
	buf.WriteString(`,"msg":`)
	writeJSON(buf, msg)

	for _, attr := range attrs {
		buf.WriteByte(',')
		writeJSON(buf, attr.Key)
		buf.WriteByte(':')
		buf.Write(JSONValue(attr.Key, attr.Value, h.opts))
	}
	buf.WriteString("}\n")
}

func writeJSON(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

// flatten resolves LogValuers and expands group attributes into dotted keys.
func flatten(prefix string, attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		a.Value = a.Value.Resolve()
		if a.Value.Kind() == slog.KindGroup {
			p := prefix
			if a.Key != "" {
				p += a.Key + "."
			}
			out = append(out, flatten(p, a.Value.Group())...)
			continue
		}
		if a.Key == "" {
			continue
		}
		a.Key = prefix + a.Key
		out = append(out, a)
	}
	return out
}

// KVToAttrs converts key-value pairs to a slog.Attr slice. Elements that are
// two-element []any pairs (as built by core/log helpers) are expanded in place.
func KVToAttrs(kv []any) []slog.Attr {
	flat := make([]any, 0, len(kv))
	for _, item := range kv {
		switch v := item.(type) {
		case []any:
			if len(v) == 2 {
				flat = append(flat, v[0], v[1])
			} else {
				flat = append(flat, v)
			}
		case slog.Attr:
			flat = append(flat, v.Key, v.Value)
		default:
			flat = append(flat, v)
		}
	}

	attrs := make([]slog.Attr, 0, len(flat)/2)
	for i := 0; i < len(flat)-1; i += 2 {
		key := fmt.Sprintf("%v", flat[i])
		attrs = append(attrs, slog.Any(key, flat[i+1]))
	}
	return attrs
}

// SortAttrs returns a copy of attrs sorted by key. Equal keys keep their order.
func SortAttrs(attrs []slog.Attr) []slog.Attr {
	sorted := make([]slog.Attr, len(attrs))
	copy(sorted, attrs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key < sorted[j].Key
	})
	return sorted
}

// IsSensitive reports whether key names a field that must be masked.
// Only the last dotted segment of key is compared.
func IsSensitive(key string, opts Options) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	for _, field := range opts.SensitiveFields {
		if strings.EqualFold(key, field) {
			return true
		}
	}
	return false
}

func truncate(s string, opts Options) string {
	if opts.PayloadMaxBytes > 0 && len(s) > opts.PayloadMaxBytes {
		return fmt.Sprintf("%s...(truncated, %d bytes)", s[:opts.PayloadMaxBytes], len(s))
	}
	return s
}

// FormatValue formats a slog.Value for logfmt output.
func FormatValue(key string, v slog.Value, opts Options) string {
	if IsSensitive(key, opts) {
		return strconv.Quote(redacted)
	}

	switch v.Kind() {
	case slog.KindString:
		return strconv.Quote(truncate(v.String(), opts))
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		// milliseconds
		return strconv.FormatInt(v.Duration().Milliseconds(), 10)
	case slog.KindTime:
		return strconv.Quote(v.Time().Format(time.RFC3339))
	default:
		if err, ok := v.Any().(error); ok {
			return strconv.Quote(truncate(err.Error(), opts))
		}
		return strconv.Quote(truncate(v.String(), opts))
	}
}

// JSONValue encodes a slog.Value as a JSON value.
func JSONValue(key string, v slog.Value, opts Options) []byte {
	if IsSensitive(key, opts) {
		return []byte(strconv.Quote(redacted))
	}

	switch v.Kind() {
	case slog.KindString:
		data, _ := json.Marshal(truncate(v.String(), opts))
		return data
	case slog.KindInt64:
		return strconv.AppendInt(nil, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(nil, v.Uint64(), 10)
	case slog.KindFloat64:
		data, err := json.Marshal(v.Float64())
		if err != nil {
			return []byte(strconv.Quote(strconv.FormatFloat(v.Float64(), 'f', -1, 64)))
		}
		return data
	case slog.KindBool:
		return strconv.AppendBool(nil, v.Bool())
	case slog.KindDuration:
		return strconv.AppendInt(nil, v.Duration().Milliseconds(), 10)
	case slog.KindTime:
		return []byte(strconv.Quote(v.Time().Format(time.RFC3339)))
	default:
		if err, ok := v.Any().(error); ok {
			data, _ := json.Marshal(truncate(err.Error(), opts))
			return data
		}
		data, err := json.Marshal(v.Any())
		if err != nil {
			data, _ = json.Marshal(truncate(v.String(), opts))
		}
		return data
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", level)
	}
}

// ColorizeLevel adds ANSI color codes to the level value only.
func ColorizeLevel(level string) string {
	const (
		reset   = "\033[0m"
		red     = "\033[31m"
		yellow  = "\033[33m"
		cyan    = "\033[36m"
		magenta = "\033[35m"
	)

	switch level {
	case "DEBUG":
		return magenta + level + reset
	case "INFO":
		return cyan + level + reset
	case "WARN":
		return yellow + level + reset
	case "ERROR":
		return red + level + reset
	default:
		return level
	}
}
