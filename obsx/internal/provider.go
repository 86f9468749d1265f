// Package internal holds the meter provider and the instrument sets of obsx.
package internal

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ProviderOptions holds configuration for the metrics provider.
type ProviderOptions struct {
	ServiceName    string
	ServiceVersion string
	ResourceAttrs  map[string]string
	// SetGlobal installs the provider as the otel global meter provider.
	SetGlobal bool
}

// Provider manages OpenTelemetry metrics provider with Prometheus export.
type Provider struct {
	MeterProvider      *metric.MeterProvider
	prometheusRegistry *promclient.Registry
}

// NewProvider creates a meter provider whose only reader is a Prometheus
// exporter bound to a private registry.
func NewProvider(ctx context.Context, opts ProviderOptions) (*Provider, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	res, err := createResource(ctx, opts)
	if err != nil {
		return nil, err
	}

	mp, promRegistry, err := createMeterProvider(ctx, res)
	if err != nil {
		return nil, err
	}

	if opts.SetGlobal {
		otel.SetMeterProvider(mp)
	}

	return &Provider{
		MeterProvider:      mp,
		prometheusRegistry: promRegistry,
	}, nil
}

// createResource creates an OpenTelemetry resource with service attributes.
func createResource(ctx context.Context, opts ProviderOptions) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if len(opts.ResourceAttrs) > 0 {
		keys := make([]string, 0, len(opts.ResourceAttrs))
		for k := range opts.ResourceAttrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]attribute.KeyValue, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, attribute.String(k, opts.ResourceAttrs[k]))
		}
		res, err = resource.Merge(res, resource.NewWithAttributes(semconv.SchemaURL, attrs...))
		if err != nil {
			return nil, fmt.Errorf("failed to add resource attributes: %w", err)
		}
	}

	return res, nil
}

// createMeterProvider returns the meter provider and the Prometheus
// registry its exporter writes to.
func createMeterProvider(ctx context.Context, res *resource.Resource) (*metric.MeterProvider, *promclient.Registry, error) {
	promRegistry := promclient.NewRegistry()
	promExporter, err := prometheus.New(
		prometheus.WithRegisterer(promRegistry),
		prometheus.WithoutUnits(),           // Prometheus prefers base units without suffix
		prometheus.WithoutScopeInfo(),       // Remove otel_scope_* labels to reduce cardinality
		prometheus.WithoutCounterSuffixes(), // Remove _total suffix duplication
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	return mp, promRegistry, nil
}

// GetPrometheusHandler returns the scrape handler for the provider's registry.
func (p *Provider) GetPrometheusHandler() http.Handler {
	if p.prometheusRegistry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("# Prometheus metrics not available\n"))
		})
	}

	return promhttp.HandlerFor(p.prometheusRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes and stops the meter provider, bounded to 5s.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if p != nil && p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}
