package internal

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// poolGauge is one sql.DBStats field exported as a gauge.
type poolGauge struct {
	name, desc string
	value      func(sql.DBStats) int64
}

var poolGauges = []poolGauge{
	{"db_pool_open_connections", "Connections established, in use or idle", func(s sql.DBStats) int64 { return int64(s.OpenConnections) }},
	{"db_pool_in_use", "Connections in use", func(s sql.DBStats) int64 { return int64(s.InUse) }},
	{"db_pool_idle", "Idle connections", func(s sql.DBStats) int64 { return int64(s.Idle) }},
	{"db_pool_max_open", "Configured connection limit (sql_max_pool_size)", func(s sql.DBStats) int64 { return int64(s.MaxOpenConnections) }},
	{"db_pool_wait_count", "Connections waited for since the pool opened", func(s sql.DBStats) int64 { return s.WaitCount }},
	{"db_pool_closed_lifetime", "Connections closed by sql_idle_timeout", func(s sql.DBStats) int64 { return s.MaxLifetimeClosed }},
}

// RegisterDBMetrics observes the pool of db on every scrape. Series carry
// db_name and, when known, the dialect in db_driver.
func RegisterDBMetrics(name, driver string, db *sql.DB, meterProvider *sdkmetric.MeterProvider) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	meter := meterProvider.Meter(scopePrefix + "database")

	attrs := []attribute.KeyValue{attribute.String("db_name", name)}
	if driver != "" {
		attrs = append(attrs, attribute.String("db_driver", driver))
	}
	opt := metric.WithAttributes(attrs...)

	gauges := make([]metric.Int64ObservableGauge, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges)+1)
	for i, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit("{connection}"))
		if err != nil {
			return err
		}
		gauges[i] = gauge
		observables = append(observables, gauge)
	}
	waited, err := meter.Float64ObservableCounter(
		"db_pool_wait_seconds",
		metric.WithDescription("Time spent waiting for a free connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	observables = append(observables, waited)

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := db.Stats()
		for i, g := range poolGauges {
			o.ObserveInt64(gauges[i], g.value(stats), opt)
		}
		o.ObserveFloat64(waited, stats.WaitDuration.Seconds(), opt)
		return nil
	}, observables...)
	return err
}

// RegisterGORMMetrics registers pool metrics for the sql.DB behind gormDB.
// A *gorm.DB also reports its dialect through Name.
func RegisterGORMMetrics(name string, gormDB interface{ DB() (*sql.DB, error) }, meterProvider *sdkmetric.MeterProvider) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from gorm.DB: %w", err)
	}
	var driver string
	if named, ok := gormDB.(interface{ Name() string }); ok {
		driver = named.Name()
	}
	return RegisterDBMetrics(name, driver, sqlDB, meterProvider)
}
