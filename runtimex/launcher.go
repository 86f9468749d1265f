package runtimex

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/runtimex/internal"
)

// Service is a unit the launcher starts and stops.
type Service interface {
	// Start begins the service operation. ctx is cancelled when the
	// launcher shuts down.
	Start(ctx context.Context) error
	// Stop releases the service's resources within ctx's deadline.
	// It must be safe to call more than once.
	Stop(ctx context.Context) error
}

// FailureReporter is implemented by services that can fail after Start
// returned. The first error received ends Wait.
type FailureReporter interface {
	Failures() <-chan error
}

// Endpoint is an admin listener.
type Endpoint struct {
	Addr    string       // e.g. ":8081"; empty disables the listener
	Handler http.Handler // nil uses the built-in health handler (health endpoint only)
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	Logger          log.Logger      // required
	Context         context.Context // parent; cancelling it ends Wait cleanly
	Signals         []os.Signal     // default SIGINT, SIGTERM
	ShutdownTimeout time.Duration   // default 15s
	Substrate       *Substrate      // default Current()
	Health          *Endpoint       // /health, /ready, /live
	Metrics         *Endpoint       // Prometheus handler
}

// Launcher runs services in the background and parks the caller in Wait
// until a shutdown signal, parent cancellation, Stop or a service failure.
type Launcher struct {
	logger          log.Logger
	parent          context.Context
	ctx             context.Context
	cancel          context.CancelFunc
	shutdownTimeout time.Duration
	substrate       *Substrate

	sigCh    chan os.Signal
	stopCh   chan struct{}
	stopOnce sync.Once
	failures chan error

	mu       sync.Mutex
	services []Service
	starting sync.WaitGroup
	running  atomic.Int32

	admin     *internal.AdminServer
	adminOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

// NewLauncher creates a launcher and starts listening for signals, so a
// signal that arrives between Serve and Wait is not lost.
func NewLauncher(opts LauncherOptions) *Launcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop{}
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.Substrate == nil {
		opts.Substrate = Current()
	}

	ctx, cancel := context.WithCancel(opts.Context)
	l := &Launcher{
		logger:          opts.Logger,
		parent:          opts.Context,
		ctx:             ctx,
		cancel:          cancel,
		shutdownTimeout: opts.ShutdownTimeout,
		substrate:       opts.Substrate,
		sigCh:           make(chan os.Signal, 1),
		stopCh:          make(chan struct{}),
		failures:        make(chan error, 1),
		admin:           internal.NewAdminServer(opts.Logger),
	}
	signal.Notify(l.sigCh, opts.Signals...)

	if opts.Health != nil {
		handler := opts.Health.Handler
		if handler == nil {
			handler = internal.HealthMux(opts.Logger, func() bool { return l.running.Load() > 0 })
		}
		l.admin.Add("health", opts.Health.Addr, handler)
	}
	if opts.Metrics != nil {
		l.admin.Add("metrics", opts.Metrics.Addr, opts.Metrics.Handler)
	}
	return l
}

// Serve starts svc on a background goroutine and returns immediately.
// A Start error ends Wait with a CodeRuntimeFailure error.
//
// Parameters:
//   - svc: service to start; it is stopped by Wait in reverse Serve order
//
// Concurrency:
//   - Safe to call from multiple goroutines before Wait returns
func (l *Launcher) Serve(svc Service) {
	l.adminOnce.Do(func() {
		listen := func(ctx context.Context, addr string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, "tcp", addr)
		}
		l.admin.Start(l.ctx, listen, l.substrate.Go)
	})

	l.mu.Lock()
	l.services = append(l.services, svc)
	l.mu.Unlock()

	l.starting.Add(1)
	l.substrate.Go(func() {
		defer l.starting.Done()
		if err := svc.Start(l.ctx); err != nil {
			if l.ctx.Err() == nil {
				l.fail(errors.Wrap(errors.CodeRuntimeFailure, "runtimex.Launcher.Serve", err))
			}
			return
		}
		l.running.Add(1)
	})

	if fr, ok := svc.(FailureReporter); ok {
		l.substrate.Go(func() {
			select {
			case err, ok := <-fr.Failures():
				if ok && err != nil {
					l.fail(err)
				}
			case <-l.ctx.Done():
			}
		})
	}
}

func (l *Launcher) fail(err error) {
	select {
	case l.failures <- err:
	default:
	}
}

// Stop asks Wait to return. It does not block.
func (l *Launcher) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Wait blocks until shutdown is requested, stops all services in reverse
// Serve order within the shutdown timeout and returns. It returns nil for
// a signal, parent cancellation or Stop, and a CodeRuntimeFailure error
// when a service failed. Later calls return the first result.
//
// Returns:
//   - error: nil for a requested shutdown, CodeRuntimeFailure otherwise
//
// Concurrency:
//   - Safe to call from multiple goroutines; all callers get the same result
func (l *Launcher) Wait() error {
	l.waitOnce.Do(func() { l.waitErr = l.wait() })
	return l.waitErr
}

func (l *Launcher) wait() error {
	var failure error
	select {
	case sig := <-l.sigCh:
		l.logger.Info("caught signal, shutting down", log.Str("signal", sig.String()))
	case <-l.parent.Done():
		l.logger.Info("context cancelled, shutting down")
	case <-l.stopCh:
		l.logger.Info("stop requested, shutting down")
	case failure = <-l.failures:
		l.logger.Error(failure, "service failed, shutting down")
	}
	signal.Stop(l.sigCh)
	l.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	started := make(chan struct{})
	go func() {
		l.starting.Wait()
		close(started)
	}()
	select {
	case <-started:
	case <-shutdownCtx.Done():
		l.logger.Warn("services still starting at shutdown deadline")
	}

	l.mu.Lock()
	services := append([]Service(nil), l.services...)
	l.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			l.logger.Error(err, "service stop failed", log.Int("index", i))
		}
	}
	l.admin.Shutdown(shutdownCtx)
	l.logger.Info("all services stopped", log.Int("count", len(services)))

	if failure != nil {
		if errors.IsCode(failure, errors.CodeRuntimeFailure) {
			return failure
		}
		return errors.Wrap(errors.CodeRuntimeFailure, "runtimex.Launcher.Wait", failure)
	}
	return nil
}
