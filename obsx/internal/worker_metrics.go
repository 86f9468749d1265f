package internal

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// WorkerInstruments are the instruments recorded by the RPC layer, the
// service group heartbeat and the service lifecycle.
type WorkerInstruments struct {
	rpcMessages metric.Int64Counter
	rpcDuration metric.Float64Histogram
	heartbeats  metric.Int64Counter
	state       metric.Int64ObservableGauge

	mu     sync.Mutex
	states map[string]string // service name -> current state
}

// NewWorkerInstruments creates the worker instrument set. knownStates are
// reported as 0 or 1 for every tracked service.
func NewWorkerInstruments(meterProvider *sdkmetric.MeterProvider, knownStates []string) (*WorkerInstruments, error) {
	meter := meterProvider.Meter(scopePrefix + "worker")
	w := &WorkerInstruments{states: make(map[string]string)}

	var err error
	w.rpcMessages, err = meter.Int64Counter(
		"rpc_messages_total",
		metric.WithDescription("RPC messages by direction, topic, method and outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	w.rpcDuration, err = meter.Float64Histogram(
		"rpc_dispatch_duration_seconds",
		metric.WithDescription("Time spent dispatching an incoming RPC message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}

	w.heartbeats, err = meter.Int64Counter(
		"servicegroup_heartbeats_total",
		metric.WithDescription("Service group heartbeats by driver and outcome"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, err
	}

	w.state, err = meter.Int64ObservableGauge(
		"service_state",
		metric.WithDescription("1 for the current lifecycle state of each service"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		for service, current := range w.states {
			for _, state := range knownStates {
				var v int64
				if state == current {
					v = 1
				}
				observer.ObserveInt64(w.state, v, metric.WithAttributes(
					attribute.String("service", service),
					attribute.String("state", state),
				))
			}
		}
		return nil
	}, w.state)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// RecordMessage counts one RPC message. seconds < 0 skips the histogram.
func (w *WorkerInstruments) RecordMessage(ctx context.Context, direction, topic, method, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("topic", topic),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	w.rpcMessages.Add(ctx, 1, attrs)
	if seconds >= 0 {
		w.rpcDuration.Record(ctx, seconds, attrs)
	}
}

// RecordHeartbeat counts one heartbeat.
func (w *WorkerInstruments) RecordHeartbeat(ctx context.Context, driver, outcome string) {
	w.heartbeats.Add(ctx, 1, metric.WithAttributes(
		attribute.String("driver", driver),
		attribute.String("outcome", outcome),
	))
}

// SetState records the current state of service.
func (w *WorkerInstruments) SetState(service, state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[service] = state
}
