// Package obsx provides Prometheus-based metrics for the worker.
//
// Overview:
//   - Responsibility: Bootstrap an OpenTelemetry meter provider with Prometheus export
//     and record worker metrics (RPC messages, heartbeats, service state)
//   - Key Types: Options, Provider, WorkerMetrics
//   - Concurrency Model: Provider and WorkerMetrics are safe for concurrent use
//   - Error Semantics: NewProvider returns error for initialization failures
//   - Performance Notes: Observable instruments are read on scrape only
//
// Usage:
//
//	provider, err := obsx.NewProvider(ctx, obsx.Options{
//	  ServiceName:    "nova-compute",
//	  ServiceVersion: version.Version,
//	})
//	if err := provider.EnableRuntimeMetrics(ctx); err != nil {
//	    return err
//	}
//	defer provider.Shutdown(ctx)
package obsx

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/pnavarro/nova/obsx/internal"
)

// Options holds configuration for the metrics provider.
type Options struct {
	ServiceName    string            // Service name for metrics
	ServiceVersion string            // Service version
	ResourceAttrs  map[string]string // Additional resource attributes (host, topic)
	SetGlobal      bool              // Install as the otel global meter provider
}

// Provider manages OpenTelemetry metrics provider with Prometheus export.
// The provider must be shut down when no longer needed.
type Provider struct {
	impl *internal.Provider
}

// NewProvider creates a new metrics provider with Prometheus export.
//
// Parameters:
//   - ctx: context for provider initialization
//   - opts: provider configuration options
//
// Returns:
//   - *Provider: initialized provider instance
//   - error: initialization error if any
func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	impl, err := internal.NewProvider(ctx, internal.ProviderOptions{
		ServiceName:    opts.ServiceName,
		ServiceVersion: opts.ServiceVersion,
		ResourceAttrs:  opts.ResourceAttrs,
		SetGlobal:      opts.SetGlobal,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{impl: impl}, nil
}

// MeterProvider returns the OpenTelemetry meter provider.
func (p *Provider) MeterProvider() *metric.MeterProvider {
	return p.impl.MeterProvider
}

// PrometheusHandler returns the scrape handler. Mount it on the metrics
// admin listener.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.impl.GetPrometheusHandler()
}

// Meter returns an OpenTelemetry Meter for creating custom metrics.
func (p *Provider) Meter(name string) api.Meter {
	return p.impl.MeterProvider.Meter(name)
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.impl.Shutdown(ctx)
}

// EnableRuntimeMetrics starts collecting Go runtime metrics.
//
// Metrics collected:
//   - process_runtime_go_goroutines: Current number of goroutines
//   - process_runtime_go_gc_count_total: Total number of GC cycles
//   - process_runtime_go_memory_heap_bytes: Heap memory in bytes
//   - process_runtime_go_memory_stack_bytes: Stack memory in bytes
func (p *Provider) EnableRuntimeMetrics(ctx context.Context) error {
	return internal.EnableRuntimeMetrics(ctx, p.impl.MeterProvider)
}

// EnableProcessMetrics starts collecting process start time, uptime and
// memory obtained from the OS.
func (p *Provider) EnableProcessMetrics(ctx context.Context) error {
	return internal.EnableProcessMetrics(ctx, p.impl.MeterProvider)
}

// RegisterDBMetrics registers connection pool metrics for db labelled with name.
func (p *Provider) RegisterDBMetrics(name string, db *sql.DB) error {
	return internal.RegisterDBMetrics(name, "", db, p.impl.MeterProvider)
}

// RegisterGORMMetrics registers pool metrics for the sql.DB behind a GORM handle.
func (p *Provider) RegisterGORMMetrics(name string, gormDB interface{ DB() (*sql.DB, error) }) error {
	return internal.RegisterGORMMetrics(name, gormDB, p.impl.MeterProvider)
}

// WorkerMetrics creates the worker instrument set. states lists every
// lifecycle state the service_state gauge reports.
func (p *Provider) WorkerMetrics(states ...string) (*WorkerMetrics, error) {
	impl, err := internal.NewWorkerInstruments(p.impl.MeterProvider, states)
	if err != nil {
		return nil, err
	}
	return &WorkerMetrics{impl: impl}, nil
}

// WorkerMetrics records RPC, heartbeat and lifecycle metrics. A nil
// *WorkerMetrics discards everything.
type WorkerMetrics struct {
	impl *internal.WorkerInstruments
}

func outcome(err error) string {
	if err != nil {
		return internal.OutcomeError
	}
	return internal.OutcomeOK
}

// MessageReceived records a dispatched incoming message and its duration.
func (m *WorkerMetrics) MessageReceived(ctx context.Context, topic, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.impl.RecordMessage(ctx, "in", topic, method, outcome(err), d.Seconds())
}

// MessageSent records an outgoing cast or call.
func (m *WorkerMetrics) MessageSent(ctx context.Context, topic, method string, err error) {
	if m == nil {
		return
	}
	m.impl.RecordMessage(ctx, "out", topic, method, outcome(err), -1)
}

// Heartbeat records a service group report.
func (m *WorkerMetrics) Heartbeat(ctx context.Context, driver string, err error) {
	if m == nil {
		return
	}
	m.impl.RecordHeartbeat(ctx, driver, outcome(err))
}

// ServiceState records the lifecycle state of service.
func (m *WorkerMetrics) ServiceState(service, state string) {
	if m == nil {
		return
	}
	m.impl.SetState(service, state)
}
