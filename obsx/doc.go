// Package obsx provides Prometheus-based metrics for the nova-compute worker.
//
// # Overview
//
// obsx constructs an OpenTelemetry meter provider whose only reader is a
// Prometheus exporter bound to a private registry. The registry is served
// by the launcher's metrics listener (metrics_listen).
//
// # Features
//
//   - Runtime metrics (goroutines, GC, memory)
//   - Process metrics (start time, uptime, memory)
//   - Connection pool metrics for the service group database
//   - Worker metrics: rpc_messages_total, rpc_dispatch_duration_seconds,
//     servicegroup_heartbeats_total and service_state
//
// # Usage
//
//	provider, err := obsx.NewProvider(ctx, obsx.Options{ServiceName: "nova-compute"})
//	if err != nil { return err }
//	metrics, err := provider.WorkerMetrics("constructed", "started", "stopped")
//	if err != nil { return err }
//	metrics.ServiceState("nova-compute", "started")
//
// # Layer
//
// obsx depends on core only.
package obsx
