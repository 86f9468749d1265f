package servicex

import (
	"context"
	"sort"

	"github.com/pnavarro/nova/compute"
	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/obsx"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/servicegroup"
	"github.com/pnavarro/nova/storex"
)

// Factory builds the service for a binary and topic.
type Factory interface {
	Create(ctx context.Context, binary, topic string) (*Service, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, binary, topic string) (*Service, error)

// Create implements Factory.
func (f FactoryFunc) Create(ctx context.Context, binary, topic string) (*Service, error) {
	return f(ctx, binary, topic)
}

// FactoryDeps are the process-wide collaborators handed to a factory.
type FactoryDeps struct {
	Config    *configx.Config
	Logger    log.Logger
	Substrate *runtimex.Substrate
	Provider  *obsx.Provider      // nil disables database pool metrics
	Metrics   *obsx.WorkerMetrics // nil discards worker metrics
	// Broker backs the fake rpc backend; nil uses the process default.
	Broker *rpcx.FakeBroker
}

// ManagerDeps are passed to a manager constructor.
type ManagerDeps struct {
	Host      string
	Substrate *runtimex.Substrate
	Logger    log.Logger
	Metrics   rpcx.Metrics
}

// Managers maps a binary to the constructor of its role.
var Managers = map[string]func(ManagerDeps) Manager{
	"nova-compute": func(d ManagerDeps) Manager {
		return compute.NewManager(compute.Options{
			Host:      d.Host,
			Substrate: d.Substrate,
			Logger:    d.Logger,
			Metrics:   d.Metrics,
		})
	},
}

// DefaultFactory wires the transport, the service group and the manager
// from the process configuration.
type DefaultFactory struct {
	deps FactoryDeps
}

// NewDefaultFactory creates the production factory.
func NewDefaultFactory(deps FactoryDeps) Factory {
	if deps.Logger == nil {
		deps.Logger = log.Nop{}
	}
	if deps.Substrate == nil {
		deps.Substrate = runtimex.Current()
	}
	return &DefaultFactory{deps: deps}
}

// Create builds a Constructed service. A missing topic is a startup
// configuration error; every other failure is CodeServiceConstruction.
// Nothing is retried, and whatever was opened before a failure is closed.
//
// Parameters:
//   - ctx: bounds the database open and the broker dial
//   - binary: executable name, e.g. "nova-compute"
//   - topic: RPC topic the service consumes; required
//
// Returns:
//   - *Service: constructed service, not yet started
//   - error: CodeStartupConfiguration or CodeServiceConstruction
//
// Concurrency:
//   - Safe to call from multiple goroutines; each call opens its own
//     connections
func (f *DefaultFactory) Create(ctx context.Context, binary, topic string) (svc *Service, err error) {
	const op = "servicex.Factory.Create"
	if topic == "" {
		return nil, errors.New(errors.CodeStartupConfiguration, "topic is required")
	}
	cfg := f.deps.Config
	if cfg == nil {
		return nil, errors.New(errors.CodeStartupConfiguration, "configuration not loaded")
	}

	var settings Settings
	if err := cfg.Bind(&settings); err != nil {
		return nil, err
	}
	sgCfg, err := servicegroup.LoadConfig(cfg)
	if err != nil {
		return nil, err
	}

	newManager, ok := Managers[binary]
	if !ok {
		return nil, errors.Newf(errors.CodeServiceConstruction, "no manager for binary %s (known: %v)", binary, knownBinaries())
	}

	logger := f.deps.Logger.With(log.Str("binary", binary), log.Str("topic", topic))
	stores := storex.NewRegistry()
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				logger.Warn("cleanup after failed construction", log.Str("reason", cerr.Error()))
			}
		}
		err = construction(op, err)
	}()
	closers = append(closers, stores.Close)

	var store storex.GORMStore
	if sgCfg.Driver == servicegroup.DriverDB {
		if store, err = f.openStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
		if err = stores.Register("database", store); err != nil {
			store.Close()
			return nil, err
		}
		checker := stores.HealthChecker("database")
		runtimex.RegisterHealthChecker(checker)
		closers = append(closers, func() error {
			runtimex.UnregisterHealthChecker(checker.Name())
			return nil
		})
	}

	group, err := servicegroup.New(sgCfg, servicegroup.Deps{
		Logger:    logger,
		Store:     store,
		Substrate: f.deps.Substrate,
		Metrics:   f.deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, group.Close)

	conn, err := f.dial(ctx, cfg, settings.Host, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, conn.Close)

	manager := newManager(ManagerDeps{
		Host:      settings.Host,
		Substrate: f.deps.Substrate,
		Logger:    logger,
		Metrics:   f.deps.Metrics,
	})

	svc, err = NewService(ServiceOptions{
		Descriptor:         Descriptor{Binary: binary, Topic: topic},
		Host:               settings.Host,
		Manager:            manager,
		Group:              group,
		Conn:               conn,
		ReportInterval:     settings.ReportInterval,
		PeriodicInterval:   settings.PeriodicInterval,
		PeriodicFuzzyDelay: settings.PeriodicFuzzyDelay,
		Substrate:          f.deps.Substrate,
		Logger:             logger,
		Metrics:            f.deps.Metrics,
		// The connection is closed by the service itself.
		Closers: closers[:len(closers)-1],
	})
	if err != nil {
		return nil, err
	}
	logger.Info("service constructed", log.Str("host", settings.Host), log.Str("servicegroup_driver", sgCfg.Driver))
	return svc, nil
}

func (f *DefaultFactory) openStore(ctx context.Context, cfg *configx.Config, logger log.Logger) (storex.GORMStore, error) {
	dsn, err := cfg.String("sql_connection")
	if err != nil {
		return nil, err
	}
	maxOpen, err := cfg.Int("sql_max_pool_size")
	if err != nil {
		return nil, err
	}
	lifetime, err := cfg.Duration("sql_idle_timeout")
	if err != nil {
		return nil, err
	}

	store, err := storex.Open(ctx, storex.GORMOptions{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		ConnMaxLifetime: lifetime,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if f.deps.Provider != nil {
		if err := f.deps.Provider.RegisterGORMMetrics("nova", store.GetDB()); err != nil {
			logger.Warn("database pool metrics unavailable", log.Str("reason", err.Error()))
		}
	}
	return store, nil
}

func (f *DefaultFactory) dial(ctx context.Context, cfg *configx.Config, host string, logger log.Logger) (rpcx.Connection, error) {
	var (
		opts = rpcx.Options{
			Host:    host,
			Dial:    f.deps.Substrate.Dial,
			Logger:  logger,
			Metrics: f.deps.Metrics,
			Broker:  f.deps.Broker,
		}
		err error
	)
	if opts.Backend, err = cfg.String("rpc_backend"); err != nil {
		return nil, err
	}
	if opts.URL, err = cfg.String("transport_url"); err != nil {
		return nil, err
	}
	if opts.Exchange, err = cfg.String("control_exchange"); err != nil {
		return nil, err
	}
	if opts.Brokers, err = cfg.Strings("kafka_brokers"); err != nil {
		return nil, err
	}
	if opts.ResponseTimeout, err = cfg.Duration("rpc_response_timeout"); err != nil {
		return nil, err
	}
	return rpcx.Dial(ctx, opts)
}

// construction classifies a factory error. Configuration errors keep their
// code; everything else becomes CodeServiceConstruction.
func construction(op string, err error) error {
	switch errors.CodeOf(err) {
	case errors.CodeStartupConfiguration, errors.CodeServiceConstruction:
		return err
	}
	return errors.Wrap(errors.CodeServiceConstruction, op, err)
}

func knownBinaries() []string {
	names := make([]string, 0, len(Managers))
	for name := range Managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

