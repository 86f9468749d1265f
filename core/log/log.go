// Package log defines the structured logging contract shared by every nova package.
//
// Overview:
//   - Responsibility: Keep packages independent of the concrete log sink
//   - Key Types: Logger interface, key-value helpers
//   - Concurrency Model: Implementations must be safe for concurrent use
//   - Error Semantics: Error takes the error first so sinks can attach it as a field
//
// Usage:
//
//	logger.Info("service started", log.Str("topic", "compute"), log.Dur("report_interval", 10*time.Second))
package log

import "time"

// Logger is the structured logger used across the worker.
type Logger interface {
	// With returns a Logger that adds kv to every record.
	With(kv ...any) Logger

	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)

	// Error logs msg with err attached under the "error" key.
	Error(err error, msg string, kv ...any)
}

// Str returns a string pair.
func Str(k, v string) any {
	return []any{k, v}
}

// Int returns an int pair.
func Int(k string, v int) any {
	return []any{k, v}
}

// Bool returns a bool pair.
func Bool(k string, v bool) any {
	return []any{k, v}
}

// Dur returns a duration pair. logx renders durations in milliseconds.
func Dur(k string, v time.Duration) any {
	return []any{k, v}
}

// Strs returns a string slice pair.
func Strs(k string, v []string) any {
	return []any{k, v}
}

// Nop is a Logger that discards everything.
type Nop struct{}

func (n Nop) With(kv ...any) Logger              { return n }
func (Nop) Debug(msg string, kv ...any)            {}
func (Nop) Info(msg string, kv ...any)             {}
func (Nop) Warn(msg string, kv ...any)             {}
func (Nop) Error(err error, msg string, kv ...any) {}
