// Package testingx provides testing utilities shared by nova packages.
//
// Overview:
//   - Responsibility: Testing helpers, mocks, and fixtures
//   - Key Types: MockLogger, request context helpers, error assertions
//   - Concurrency Model: MockLogger is safe for concurrent use
//   - Error Semantics: Test failures via testing.TB
//
// Usage:
//
//	logger := testingx.NewMockLogger(t)
//	ctx := testingx.NewRequestContext(t, &identity.RequestContext{ProjectID: "p-1"})
package testingx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
	"github.com/pnavarro/nova/core/log"
)

// MockLogger records every entry for later assertions.
type MockLogger struct {
	t      testing.TB
	fields []any
	store  *entryStore
}

type entryStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry represents a single log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
	Error   error
}

// Field returns the value logged under key, flattening log helper pairs.
func (e LogEntry) Field(key string) (any, bool) {
	kv := flatten(e.Fields)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func flatten(kv []any) []any {
	out := make([]any, 0, len(kv))
	for _, v := range kv {
		if pair, ok := v.([]any); ok && len(pair) == 2 {
			out = append(out, pair...)
			continue
		}
		out = append(out, v)
	}
	return out
}

// NewMockLogger creates a new mock logger.
func NewMockLogger(t testing.TB) *MockLogger {
	return &MockLogger{t: t, store: &entryStore{}}
}

// With returns a logger that shares the entry store and prepends kv to
// every entry.
func (m *MockLogger) With(kv ...any) log.Logger {
	fields := append(append([]any(nil), m.fields...), kv...)
	return &MockLogger{t: m.t, fields: fields, store: m.store}
}

// Debug logs a debug message.
func (m *MockLogger) Debug(msg string, kv ...any) {
	m.log("DEBUG", msg, nil, kv)
}

// Info logs an info message.
func (m *MockLogger) Info(msg string, kv ...any) {
	m.log("INFO", msg, nil, kv)
}

// Warn logs a warning message.
func (m *MockLogger) Warn(msg string, kv ...any) {
	m.log("WARN", msg, nil, kv)
}

// Error logs an error message.
func (m *MockLogger) Error(err error, msg string, kv ...any) {
	m.log("ERROR", msg, err, kv)
}

func (m *MockLogger) log(level, msg string, err error, kv []any) {
	fields := append(append([]any(nil), m.fields...), kv...)
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.entries = append(m.store.entries, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
		Error:   err,
	})
}

// Entries returns all log entries.
func (m *MockLogger) Entries() []LogEntry {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	entries := make([]LogEntry, len(m.store.entries))
	copy(entries, m.store.entries)
	return entries
}

// Find returns the first entry with level and msg.
func (m *MockLogger) Find(level, msg string) (LogEntry, bool) {
	for _, entry := range m.Entries() {
		if entry.Level == level && entry.Message == msg {
			return entry, true
		}
	}
	return LogEntry{}, false
}

// AssertLogged asserts that a message was logged.
func (m *MockLogger) AssertLogged(level, msg string) {
	m.t.Helper()
	if _, ok := m.Find(level, msg); !ok {
		m.t.Errorf("Expected log message not found: level=%s msg=%q", level, msg)
	}
}

// AssertNotLogged asserts that no entry has level and msg.
func (m *MockLogger) AssertNotLogged(level, msg string) {
	m.t.Helper()
	if _, ok := m.Find(level, msg); ok {
		m.t.Errorf("Unexpected log message: level=%s msg=%q", level, msg)
	}
}

// Clear clears all log entries.
func (m *MockLogger) Clear() {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.entries = nil
}

// NewRequestContext returns a background context carrying rc.
func NewRequestContext(t testing.TB, rc *identity.RequestContext) context.Context {
	t.Helper()
	ctx := context.Background()
	if rc != nil {
		ctx = identity.WithRequest(ctx, *rc)
	}
	return ctx
}

// AssertError asserts that an error has the expected code.
func AssertError(t testing.TB, err error, expectedCode errors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected error with code %s, got nil", expectedCode)
	}

	code := errors.CodeOf(err)
	if code != expectedCode {
		t.Errorf("Expected error code %s, got %s (%v)", expectedCode, code, err)
	}
}

// AssertNoError asserts that no error occurred.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

// Receive waits up to timeout for a value on ch.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("no value received within %v", timeout)
		return zero
	}
}

// Eventually polls cond every 5ms until it is true or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(format, args...))
	}
}
