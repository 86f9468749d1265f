package internal

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scopePrefix = "github.com/pnavarro/nova/obsx/"

var processStartTime = time.Now()

// EnableRuntimeMetrics registers observable gauges for goroutines, heap,
// stack and GC count. Values are read on scrape.
func EnableRuntimeMetrics(ctx context.Context, meterProvider *sdkmetric.MeterProvider) error {
	meter := meterProvider.Meter(scopePrefix + "runtime")

	goroutines, err := meter.Int64ObservableGauge(
		"process_runtime_go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return err
	}

	heapBytes, err := meter.Int64ObservableGauge(
		"process_runtime_go_memory_heap_bytes",
		metric.WithDescription("Heap memory in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	stackBytes, err := meter.Int64ObservableGauge(
		"process_runtime_go_memory_stack_bytes",
		metric.WithDescription("Stack memory in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	gcCount, err := meter.Int64ObservableCounter(
		"process_runtime_go_gc_count_total",
		metric.WithDescription("Total number of GC cycles completed"),
		metric.WithUnit("{gc}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.ObserveInt64(heapBytes, int64(m.HeapAlloc))
			observer.ObserveInt64(stackBytes, int64(m.StackInuse))
			observer.ObserveInt64(gcCount, int64(m.NumGC))
			return nil
		},
		goroutines,
		heapBytes,
		stackBytes,
		gcCount,
	)
	return err
}

// EnableProcessMetrics registers start time, uptime and memory obtained
// from the OS.
func EnableProcessMetrics(ctx context.Context, meterProvider *sdkmetric.MeterProvider) error {
	meter := meterProvider.Meter(scopePrefix + "process")

	startTime, err := meter.Float64ObservableGauge(
		"process_start_time_seconds",
		metric.WithDescription("Start time of the process since unix epoch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	uptime, err := meter.Float64ObservableCounter(
		"process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	sysBytes, err := meter.Int64ObservableGauge(
		"process_memory_sys_bytes",
		metric.WithDescription("Memory obtained from the OS by the Go runtime"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveFloat64(startTime, float64(processStartTime.Unix()))
			observer.ObserveFloat64(uptime, time.Since(processStartTime).Seconds())

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.ObserveInt64(sysBytes, int64(m.Sys))
			return nil
		},
		startTime,
		uptime,
		sysBytes,
	)
	return err
}
