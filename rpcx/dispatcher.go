package rpcx

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
	"github.com/pnavarro/nova/core/log"
)

// DefaultVersion is the API version stamped on messages without one.
const DefaultVersion = "1.0"

// Handler serves one RPC method. The returned value must be JSON
// serialisable; it is sent back only for calls.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Dispatcher routes envelopes to handlers by method name. It accepts
// messages whose version has the same major number and a minor number no
// greater than its own.
type Dispatcher struct {
	version  string
	major    int
	minor    int
	logger   log.Logger
	metrics  Metrics
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher for API version (e.g. "1.3").
func NewDispatcher(version string, logger log.Logger, metrics Metrics) (*Dispatcher, error) {
	major, minor, err := parseVersion(version)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Dispatcher{
		version:  version,
		major:    major,
		minor:    minor,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
	}, nil
}

// Version returns the dispatcher's API version.
func (d *Dispatcher) Version() string { return d.version }

// Register adds a handler. Registering a method twice is an error.
func (d *Dispatcher) Register(method string, h Handler) error {
	if method == "" || h == nil {
		return errors.New(errors.CodeInvalidArgument, "method and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[method]; ok {
		return errors.Newf(errors.CodeAlreadyExists, "method %s already registered", method)
	}
	d.handlers[method] = h
	return nil
}

// Methods lists registered method names in order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	methods := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Dispatch runs the handler for env and returns its reply. Handler errors
// and unknown methods become failures in the reply; Dispatch itself never
// fails. Panics in handlers are recovered as CodeInternal failures.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, env Envelope) (reply Reply) {
	start := time.Now()
	if env.Context != nil {
		ctx = identity.WithRequest(ctx, *env.Context)
	}
	logger := d.logger.With(log.Str("method", env.Method), log.Str("topic", topic), log.Str("request_id", identity.RequestID(ctx)))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodeInternal, "handler panic: %v", r)
			reply = newReply(env.MsgID, nil, err)
		}
		d.metrics.MessageReceived(ctx, topic, env.Method, time.Since(start), err)
		if err != nil {
			logger.Warn("rpc dispatch failed", log.Str("reason", err.Error()))
		}
	}()

	if err = d.checkVersion(env.Version); err != nil {
		return newReply(env.MsgID, nil, err)
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Method]
	d.mu.RUnlock()
	if !ok {
		err = errors.Newf(errors.CodeNotFound, "no such RPC method %q", env.Method)
		return newReply(env.MsgID, nil, err)
	}

	logger.Debug("rpc dispatch")
	var result any
	result, err = h(ctx, env.Args)
	return newReply(env.MsgID, result, err)
}

func (d *Dispatcher) checkVersion(v string) error {
	if v == "" {
		v = DefaultVersion
	}
	major, minor, err := parseVersion(v)
	if err != nil {
		return err
	}
	if major != d.major || minor > d.minor {
		return errors.Newf(errors.CodeUnimplemented, "unsupported RPC API version %s (endpoint is %s)", v, d.version)
	}
	return nil
}

func parseVersion(v string) (int, int, error) {
	majorStr, minorStr, ok := strings.Cut(v, ".")
	if !ok {
		minorStr = "0"
	}
	major, err1 := strconv.Atoi(majorStr)
	minor, err2 := strconv.Atoi(minorStr)
	if err1 != nil || err2 != nil || major < 0 || minor < 0 {
		return 0, 0, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("invalid RPC API version %q", v))
	}
	return major, minor, nil
}
