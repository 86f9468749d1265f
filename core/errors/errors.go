// Package errors provides coded errors for the nova worker.
//
// Overview:
//   - Responsibility: Classify failures so the bootstrap can pick an exit status
//   - Key Types: Code, E (coded error with operation and cause), Builder
//   - Concurrency Model: All functions are safe for concurrent use
//   - Error Semantics: E wraps its cause and works with errors.Is / errors.As
//
// Usage:
//
//	err := errors.Wrap(errors.CodeServiceConstruction, "rpcx.Dial", dialErr)
//	if errors.IsCode(err, errors.CodeStartupConfiguration) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error.
type Code string

// Bootstrap failure classes. Each one maps to a process exit status.
const (
	// CodeStartupConfiguration covers malformed arguments and missing or
	// undeclared options. The process exits before any service exists.
	CodeStartupConfiguration Code = "STARTUP_CONFIGURATION"
	// CodeServiceConstruction covers a factory that cannot build a working
	// service, for example an unreachable transport.
	CodeServiceConstruction Code = "SERVICE_CONSTRUCTION"
	// CodeRuntimeFailure is an unrecoverable error raised while a service
	// is running. It is surfaced by the launcher's Wait.
	CodeRuntimeFailure Code = "RUNTIME_SERVICE_FAILURE"
)

// General codes used by the transport and service group layers.
const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeUnimplemented    Code = "UNIMPLEMENTED"
	CodeAborted          Code = "ABORTED"
)

// E is a coded error.
type E struct {
	Code    Code   // Error classification code
	Op      string // Operation that failed, e.g. "servicex.Factory.Create"
	Err     error  // Underlying error (may be nil)
	Msg     string // Human-readable message
	Details []any  // Additional key-value details
}

// Error implements the error interface.
func (e *E) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *E) Unwrap() error {
	return e.Err
}

// New creates a coded error with a message.
func New(code Code, msg string) error {
	return &E{Code: code, Msg: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &E{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and the failing operation. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{Code: code, Op: op, Err: err}
}

// Wrapf wraps err with a code, operation and formatted message.
func Wrapf(code Code, op string, err error, format string, args ...any) error {
	return &E{
		Code: code,
		Op:   op,
		Err:  err,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// CodeOf returns the outermost code in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *E
	if err != nil && errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is forwards to the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join forwards to the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Builder assembles an E step by step.
type Builder struct {
	e E
}

// Build starts a Builder for code.
func Build(code Code) *Builder {
	return &Builder{e: E{Code: code}}
}

// WithOp sets the failing operation.
func (b *Builder) WithOp(op string) *Builder {
	b.e.Op = op
	return b
}

// WithErr sets the cause.
func (b *Builder) WithErr(err error) *Builder {
	b.e.Err = err
	return b
}

// WithMsg sets the message.
func (b *Builder) WithMsg(msg string) *Builder {
	b.e.Msg = msg
	return b
}

// WithMsgf sets a formatted message.
func (b *Builder) WithMsgf(format string, args ...any) *Builder {
	b.e.Msg = fmt.Sprintf(format, args...)
	return b
}

// WithDetails appends key-value details.
func (b *Builder) WithDetails(details ...any) *Builder {
	b.e.Details = append(b.e.Details, details...)
	return b
}

// Err returns the built error.
func (b *Builder) Err() error {
	e := b.e
	return &e
}
