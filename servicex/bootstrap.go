package servicex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/httpx"
	"github.com/pnavarro/nova/logx"
	"github.com/pnavarro/nova/obsx"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/servicex/internal"
)

// Bootstrap phases, in the order Run executes them.
const (
	PhaseSubstrate  = "substrate"
	PhaseSearchPath = "search_path"
	PhaseConfig     = "config"
	PhaseLogging    = "logging"
	PhaseCompat     = "compat"
	PhaseFactory    = "factory"
	PhaseRun        = "run"
)

// Bootstrap boots one worker process: it installs the substrate, loads
// the configuration, sets up logging, applies the compat patches, builds
// the service and runs it until shutdown.
//
// Run never exits the process; pass its error to ExitCode.
type Bootstrap struct {
	Binary    string   // e.g. "nova-compute"; also the log subsystem
	Argv0     string   // default os.Args[0]
	Args      []string // arguments without the program name
	Substrate runtimex.SubstrateOptions

	Stderr      io.Writer // configuration diagnostics (default os.Stderr)
	LogWriter   io.Writer // log sink when log_file is unset (default Stderr)
	Environ     []string  // nil reads os.Environ()
	DefaultDirs []string  // nil uses ~/.nova and /etc/nova

	Context context.Context // parent; cancelling it stops the service
	Signals []os.Signal     // default SIGINT, SIGTERM

	// NewFactory builds the service factory; nil uses NewDefaultFactory.
	NewFactory func(FactoryDeps) Factory
	// Broker backs the fake rpc backend.
	Broker *rpcx.FakeBroker
	// Trace observes each phase as it begins.
	Trace func(phase string)
	// OnServe is called with the service right after it is handed to the
	// launcher.
	OnServe func(*Service)
}

func (b *Bootstrap) trace(phase string) {
	if b.Trace != nil {
		b.Trace(phase)
	}
}

// Run executes the bootstrap phases in order and blocks until the service
// stops. A nil error means a clean shutdown; configx.ErrHelp means usage
// was printed.
//
// Returns:
//   - error: nil on clean shutdown, configx.ErrHelp after usage, otherwise
//     the failure of the first phase that failed; pass it to ExitCode
//
// Concurrency:
//   - Call once per process; Run installs process-wide state (the runtime
//     substrate, the log sink and slog's default handler)
func (b *Bootstrap) Run() error {
	const op = "servicex.Bootstrap.Run"
	if b.Binary == "" {
		return errors.New(errors.CodeStartupConfiguration, "binary name is required")
	}
	ctx := b.Context
	if ctx == nil {
		ctx = context.Background()
	}
	stderr := b.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	argv0 := b.Argv0
	if argv0 == "" && len(os.Args) > 0 {
		argv0 = os.Args[0]
	}

	b.trace(PhaseSubstrate)
	substrate := runtimex.Install(b.Substrate)

	b.trace(PhaseSearchPath)
	searchPath, searchErr := internal.ResolveSearchPath(argv0, nil)

	b.trace(PhaseConfig)
	registry, err := NewRegistry()
	if err != nil {
		return err
	}
	cfg, err := configx.Parse(ctx, b.Args, configx.ParseOptions{
		Program:     filepath.Base(b.Binary),
		Registry:    registry,
		SearchPath:  searchPath,
		DefaultDirs: b.DefaultDirs,
		Environ:     b.Environ,
		Stderr:      stderr,
	})
	if err != nil {
		return err
	}

	b.trace(PhaseLogging)
	var logSettings LogSettings
	if err := cfg.Bind(&logSettings); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", b.Binary, err)
		return err
	}
	setup := logSettings.SetupOptions()
	setup.Writer = b.LogWriter
	if setup.Writer == nil {
		setup.Writer = stderr
	}
	logger, err := logx.Setup(b.Binary, setup)
	if err != nil {
		return errors.Wrap(errors.CodeStartupConfiguration, op, err)
	}
	defer func() {
		if err := logx.Close(); err != nil {
			fmt.Fprintf(stderr, "%s: closing log file: %v\n", b.Binary, err)
		}
	}()
	if searchErr != nil {
		logger.Debug("search path resolution incomplete", log.Str("reason", searchErr.Error()))
	}
	cfg.Log(logger)

	b.trace(PhaseCompat)
	applied, err := internal.ApplyCompatPatches(cfg, logger)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Debug("compat patches applied", log.Strs("patches", applied))
	}

	var settings Settings
	if err := cfg.Bind(&settings); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", b.Binary, err)
		return err
	}

	provider, err := obsx.NewProvider(ctx, obsx.Options{
		ServiceName:    b.Binary,
		ServiceVersion: internal.Version,
		ResourceAttrs:  map[string]string{"host": settings.Host, "topic": settings.Topic},
	})
	if err != nil {
		return errors.Wrap(errors.CodeServiceConstruction, op, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics provider shutdown failed", log.Str("reason", err.Error()))
		}
	}()
	for name, enable := range map[string]func(context.Context) error{
		"runtime": provider.EnableRuntimeMetrics,
		"process": provider.EnableProcessMetrics,
	} {
		if err := enable(ctx); err != nil {
			logger.Warn("metrics unavailable", log.Str("metrics", name), log.Str("reason", err.Error()))
		}
	}
	metrics, err := provider.WorkerMetrics(States()...)
	if err != nil {
		return errors.Wrap(errors.CodeServiceConstruction, op, err)
	}

	b.trace(PhaseFactory)
	newFactory := b.NewFactory
	if newFactory == nil {
		newFactory = NewDefaultFactory
	}
	factory := newFactory(FactoryDeps{
		Config:    cfg,
		Logger:    logger,
		Substrate: substrate,
		Provider:  provider,
		Metrics:   metrics,
		Broker:    b.Broker,
	})
	svc, err := factory.Create(ctx, b.Binary, settings.Topic)
	if err != nil {
		if errors.CodeOf(err) != errors.CodeStartupConfiguration {
			logger.Error(err, "service construction failed")
		}
		return err
	}

	b.trace(PhaseRun)
	launcher := runtimex.NewLauncher(runtimex.LauncherOptions{
		Logger:          logger,
		Context:         ctx,
		Signals:         b.Signals,
		ShutdownTimeout: settings.ShutdownTimeout,
		Substrate:       substrate,
		Health:          endpoint(settings.HealthListen, nil),
		Metrics:         endpoint(settings.MetricsListen, httpx.SecureMiddleware(httpx.DefaultSecurityHeaders())(provider.PrometheusHandler())),
	})
	launcher.Serve(svc)
	if b.OnServe != nil {
		b.OnServe(svc)
	}
	if err := launcher.Wait(); err != nil {
		logger.Error(err, "service terminated", log.Str("service", svc.String()))
		return err
	}
	logger.Info("service exited", log.Str("service", svc.String()))
	return nil
}

func endpoint(addr string, handler http.Handler) *runtimex.Endpoint {
	if addr == "" {
		return nil
	}
	return &runtimex.Endpoint{Addr: addr, Handler: handler}
}

// ExitCode maps a Run error to the process exit status: 0 for a clean
// shutdown or help, 2 for configuration errors and 1 for anything else.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, configx.ErrHelp):
		return 0
	case errors.IsCode(err, errors.CodeStartupConfiguration):
		return 2
	default:
		return 1
	}
}

// VersionInfo reports the build metadata set at link time.
func VersionInfo() (version, commit, buildTime string) {
	return internal.Version, internal.Commit, internal.BuildTime
}
