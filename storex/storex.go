// Package storex provides storage backends and a registry that owns them.
//
// Overview:
//   - Responsibility: Open relational stores (MySQL, PostgreSQL, SQLite via GORM),
//     track every opened backend and close them in reverse order
//   - Key Types: Store interface, GORMStore, Registry
//   - Concurrency Model: Stores and Registry are safe for concurrent use
//   - Error Semantics: Open failures carry CodeUnavailable; Registry operations join errors
//   - Performance Notes: Connection pooling is configured on open
//
// Usage:
//
//	reg := storex.NewRegistry()
//	db, err := storex.Open(ctx, storex.GORMOptions{DSN: cfg.SQLConnection, Logger: logger})
//	if err != nil { return err }
//	_ = reg.Register("db", db)
//	defer reg.Close()
package storex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/storex/internal"
)

// Store defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Ping checks if the storage backend is healthy.
	Ping(ctx context.Context) error

	// Close closes the storage connection.
	Close() error
}

// GORMStore is a Store backed by GORM.
type GORMStore interface {
	Store
	// GetDB returns the underlying GORM database instance.
	GetDB() *gorm.DB
	// Driver returns the dialect name: mysql, postgres or sqlite.
	Driver() string
}

// GORMOptions holds configuration for GORM database connections.
type GORMOptions struct {
	DSN             string        // Driver-native DSN or connection URL (mysql+pymysql://, postgresql://, sqlite:///path)
	Driver          string        // Optional when DSN is a URL
	MaxIdleConns    int           // 0 uses 10
	MaxOpenConns    int           // 0 uses 100
	ConnMaxLifetime time.Duration // 0 uses 1h
	Logger          log.Logger    // Logger for database operations
}

// Open connects to a database and pings it within ctx.
func Open(ctx context.Context, opts GORMOptions) (GORMStore, error) {
	internalOpts := internal.DefaultGORMOptions()
	internalOpts.DSN = opts.DSN
	internalOpts.Driver = opts.Driver
	internalOpts.Logger = opts.Logger
	if opts.MaxIdleConns > 0 {
		internalOpts.MaxIdleConns = opts.MaxIdleConns
	}
	if opts.MaxOpenConns > 0 {
		internalOpts.MaxOpenConns = opts.MaxOpenConns
	}
	if opts.ConnMaxLifetime > 0 {
		internalOpts.ConnMaxLifetime = opts.ConnMaxLifetime
	}

	store, err := internal.NewGORMStoreFromOptions(ctx, internalOpts)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "storex.Open", err)
	}
	return store, nil
}

// ResolveDSN returns the dialect and driver-native DSN for conn.
func ResolveDSN(driver, conn string) (dialect, dsn string, err error) {
	return internal.ResolveDSN(driver, conn)
}

// IsConnectionError reports whether err is a connection failure rather
// than a query-level error.
func IsConnectionError(err error) bool {
	return internal.IsConnectionError(err)
}

// Registry owns a set of named stores.
type Registry struct {
	mu     sync.Mutex
	names  []string
	stores map[string]Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register adds a store under name.
func (r *Registry) Register(name string, store Store) error {
	if name == "" {
		return errors.New(errors.CodeInvalidArgument, "store name is required")
	}
	if store == nil {
		return errors.New(errors.CodeInvalidArgument, "store cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stores[name]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "store %s already registered", name)
	}
	r.names = append(r.names, name)
	r.stores[name] = store
	return nil
}

// Get returns a registered store by name.
func (r *Registry) Get(name string) (Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[name]
	return s, ok
}

// List returns the store names in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// Ping checks every store with a 5s bound and joins the failures.
func (r *Registry) Ping(ctx context.Context) error {
	names := r.List()
	if len(names) == 0 {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, name := range names {
		store, ok := r.Get(name)
		if !ok {
			continue
		}
		if err := store.Ping(pingCtx); err != nil {
			errs = append(errs, fmt.Errorf("store %s ping failed: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every store in reverse registration order and empties the
// registry. Calling it again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	names, stores := r.names, r.stores
	r.names, r.stores = nil, make(map[string]Store)
	r.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := stores[names[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("store %s close failed: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

// HealthChecker exposes the registry to the admin health endpoints.
func (r *Registry) HealthChecker(name string) *RegistryChecker {
	return &RegistryChecker{name: name, registry: r}
}

// RegistryChecker adapts a Registry to runtimex.HealthChecker.
type RegistryChecker struct {
	name     string
	registry *Registry
}

func (c *RegistryChecker) Name() string { return c.name }

func (c *RegistryChecker) Check(ctx context.Context) error { return c.registry.Ping(ctx) }

// ConfigOptions declares the database options.
func ConfigOptions() []configx.Opt {
	return []configx.Opt{
		configx.Str("sql_connection", "sqlite://", "Database connection URL (mysql://, postgresql://, sqlite:///path)"),
		configx.Int("sql_max_pool_size", 0, "Maximum open database connections; 0 uses the driver default"),
		configx.Dur("sql_idle_timeout", time.Hour, "Maximum lifetime of a pooled database connection"),
	}
}
