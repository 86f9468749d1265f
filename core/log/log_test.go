package log

import (
	"errors"
	"testing"
	"time"
)

func TestPairs(t *testing.T) {
	tests := []struct {
		name string
		kv   any
		key  string
		val  any
	}{
		{"str", Str("topic", "compute"), "topic", "compute"},
		{"int", Int("attempt", 3), "attempt", 3},
		{"bool", Bool("fanout", true), "fanout", true},
		{"dur", Dur("report_interval", 10 * time.Second), "report_interval", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, ok := tt.kv.([]any)
			if !ok {
				t.Fatalf("%s should return []any, got %T", tt.name, tt.kv)
			}
			if len(pair) != 2 {
				t.Fatalf("expected 2 elements, got %d", len(pair))
			}
			if pair[0] != tt.key || pair[1] != tt.val {
				t.Errorf("got %v, want [%s %v]", pair, tt.key, tt.val)
			}
		})
	}
}

func TestStrs(t *testing.T) {
	pair := Strs("consumers", []string{"compute", "compute.host1"}).([]any)
	if pair[0] != "consumers" {
		t.Errorf("key = %v, want consumers", pair[0])
	}
	if got := pair[1].([]string); len(got) != 2 {
		t.Errorf("value length = %d, want 2", len(got))
	}
}

type recordingLogger struct {
	messages []string
}

func (r *recordingLogger) With(kv ...any) Logger       { return r }
func (r *recordingLogger) Debug(msg string, kv ...any) { r.messages = append(r.messages, msg) }
func (r *recordingLogger) Info(msg string, kv ...any)  { r.messages = append(r.messages, msg) }
func (r *recordingLogger) Warn(msg string, kv ...any)  { r.messages = append(r.messages, msg) }
func (r *recordingLogger) Error(err error, msg string, kv ...any) {
	r.messages = append(r.messages, msg)
}

func TestLoggerInterface(t *testing.T) {
	var logger Logger = &recordingLogger{}
	logger.Debug("debug", Str("k", "v"))
	logger.Info("info")
	logger.Warn("warn")
	logger.With("k", "v").Error(errors.New("boom"), "error")

	got := logger.(*recordingLogger).messages
	want := []string{"debug", "info", "warn", "error"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNop(t *testing.T) {
	var logger Logger = Nop{}
	logger.With("k", "v").Error(errors.New("ignored"), "nothing happens")
}
