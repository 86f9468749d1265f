package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeStartupConfiguration, "option topic is required")

	var e *E
	if !errors.As(err, &e) {
		t.Fatal("error should be of type *E")
	}
	if e.Code != CodeStartupConfiguration {
		t.Errorf("code = %s, want %s", e.Code, CodeStartupConfiguration)
	}
	if got, want := err.Error(), "STARTUP_CONFIGURATION: option topic is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeServiceConstruction, "rpcx.Dial", cause)

	var e *E
	if !errors.As(err, &e) {
		t.Fatal("error should be of type *E")
	}
	if e.Op != "rpcx.Dial" {
		t.Errorf("op = %q, want rpcx.Dial", e.Op)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause")
	}
	if got, want := err.Error(), "SERVICE_CONSTRUCTION: rpcx.Dial: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(CodeInternal, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(CodeRuntimeFailure, "servicex.Service", errors.New("channel closed"), "consumer on %s stopped", "compute")
	want := "RUNTIME_SERVICE_FAILURE: servicex.Service: consumer on compute stopped: channel closed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"coded", New(CodeInvalidArgument, "bad"), CodeInvalidArgument},
		{"wrapped", Wrap(CodeNotFound, "op", errors.New("x")), CodeNotFound},
		{"fmt wrapped", fmt.Errorf("outer: %w", New(CodeUnavailable, "down")), CodeUnavailable},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := Newf(CodeStartupConfiguration, "no such option %q", "topc")
	if !IsCode(err, CodeStartupConfiguration) {
		t.Error("IsCode should match")
	}
	if IsCode(err, CodeRuntimeFailure) {
		t.Error("IsCode should not match a different code")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Build(CodeServiceConstruction).
		WithOp("servicex.Factory.Create").
		WithErr(cause).
		WithMsgf("cannot build %s", "nova-compute").
		WithDetails("topic", "compute").
		Err()

	var e *E
	if !errors.As(err, &e) {
		t.Fatal("error should be of type *E")
	}
	if e.Msg != "cannot build nova-compute" {
		t.Errorf("msg = %q", e.Msg)
	}
	if len(e.Details) != 2 {
		t.Errorf("details = %d, want 2", len(e.Details))
	}
	if !Is(err, cause) {
		t.Error("builder error should wrap its cause")
	}
}

func TestBuilderIsReusable(t *testing.T) {
	b := Build(CodeInternal).WithMsg("first")
	first := b.Err()
	b.WithMsg("second")

	var e *E
	As(first, &e)
	if e.Msg != "first" {
		t.Errorf("built error changed after builder reuse: %q", e.Msg)
	}
}
