package internal

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func lookupFrom(values map[string]any) Lookup {
	return func(name string) (any, error) {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("option %s is not declared", name)
		}
		return v, nil
	}
}

func TestBindToStruct(t *testing.T) {
	type Intervals struct {
		Report   time.Duration `opt:"report_interval"`
		Periodic time.Duration `opt:"periodic_interval"`
	}
	type Target struct {
		Intervals
		Topic   string   `opt:"topic"`
		Workers int64    `opt:"workers"`
		Debug   bool     `opt:"debug"`
		Brokers []string `opt:"kafka_brokers"`
		Skipped string
		hidden  string `opt:"topic"`
	}

	brokers := []string{"k1:9092"}
	values := map[string]any{
		"report_interval":   10 * time.Second,
		"periodic_interval": time.Minute,
		"topic":             "compute",
		"workers":           4,
		"debug":             true,
		"kafka_brokers":     brokers,
	}

	var got Target
	if err := BindToStruct(&got, lookupFrom(values)); err != nil {
		t.Fatalf("BindToStruct() error = %v", err)
	}

	want := Target{
		Intervals: Intervals{Report: 10 * time.Second, Periodic: time.Minute},
		Topic:     "compute",
		Workers:   4,
		Debug:     true,
		Brokers:   []string{"k1:9092"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BindToStruct() = %+v, want %+v", got, want)
	}

	got.Brokers[0] = "changed"
	if brokers[0] != "k1:9092" {
		t.Error("bound slice must not alias the source value")
	}
}

func TestBindToStruct_Errors(t *testing.T) {
	type Unknown struct {
		Name string `opt:"undeclared"`
	}
	type Mismatch struct {
		Debug string `opt:"debug"`
	}

	values := lookupFrom(map[string]any{"debug": true})

	tests := []struct {
		name   string
		target any
	}{
		{"not a pointer", Mismatch{}},
		{"nil pointer", (*Mismatch)(nil)},
		{"pointer to non-struct", new(int)},
		{"undeclared option", &Unknown{}},
		{"type mismatch", &Mismatch{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := BindToStruct(tt.target, values); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
