package servicex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/core/utils"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/servicegroup"
)

// State is the lifecycle state of a Service.
type State string

// Lifecycle states. Stopped is terminal.
const (
	StateConstructed State = "Constructed"
	StateStarted     State = "Started"
	StateStopped     State = "Stopped"
)

// States lists every lifecycle state in order.
func States() []string {
	return []string{string(StateConstructed), string(StateStarted), string(StateStopped)}
}

// Descriptor names the service to build.
type Descriptor struct {
	Binary string
	Topic  string
}

// Manager is the role a service runs.
type Manager interface {
	InitHost(ctx context.Context) error
	PostStartHook(ctx context.Context) error
	Dispatcher() (*rpcx.Dispatcher, error)
	RunPeriodicTasks(ctx context.Context)
}

// Membership is the service group a service joins.
type Membership interface {
	Join(ctx context.Context, memberID, groupID string, svc servicegroup.ServiceInfo) error
	Leave(ctx context.Context, memberID, groupID string) error
}

// StateMetrics records lifecycle transitions. *obsx.WorkerMetrics
// implements it.
type StateMetrics interface {
	ServiceState(service, state string)
}

type nopStateMetrics struct{}

func (nopStateMetrics) ServiceState(string, string) {}

// ServiceOptions are the parts of a Service.
type ServiceOptions struct {
	Descriptor         Descriptor
	Host               string
	Manager            Manager
	Group              Membership
	Conn               rpcx.Connection
	ReportInterval     time.Duration
	PeriodicInterval   time.Duration
	PeriodicFuzzyDelay time.Duration
	Substrate          *runtimex.Substrate
	Logger             log.Logger
	Metrics            StateMetrics
	// Closers run after the connection is closed, in reverse order.
	Closers []func() error
}

// Service binds a manager to a topic. It is started and stopped by the
// launcher; Failures reports transport loss while it runs.
type Service struct {
	desc      Descriptor
	host      string
	manager   Manager
	group     Membership
	conn      rpcx.Connection
	substrate *runtimex.Substrate
	logger    log.Logger
	metrics   StateMetrics
	closers   []func() error

	reportInterval     time.Duration
	periodicInterval   time.Duration
	periodicFuzzyDelay time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	failures chan error

	mu           sync.Mutex
	state        State
	joined       bool
	err          error
	stopPeriodic func()
	stopOnce     sync.Once
	stopErr      error
}

// NewService assembles a service in the Constructed state.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Descriptor.Binary == "" || opts.Descriptor.Topic == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "service binary and topic are required")
	}
	if opts.Host == "" || opts.Manager == nil || opts.Group == nil || opts.Conn == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "service host, manager, group and connection are required")
	}
	if opts.Substrate == nil {
		opts.Substrate = runtimex.Current()
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopStateMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		desc:               opts.Descriptor,
		host:               opts.Host,
		manager:            opts.Manager,
		group:              opts.Group,
		conn:               opts.Conn,
		substrate:          opts.Substrate,
		logger:             opts.Logger.With(log.Str("binary", opts.Descriptor.Binary), log.Str("topic", opts.Descriptor.Topic)),
		metrics:            opts.Metrics,
		closers:            opts.Closers,
		reportInterval:     opts.ReportInterval,
		periodicInterval:   opts.PeriodicInterval,
		periodicFuzzyDelay: opts.PeriodicFuzzyDelay,
		ctx:                ctx,
		cancel:             cancel,
		failures:           make(chan error, 1),
		state:              StateConstructed,
	}
	s.metrics.ServiceState(s.desc.Binary, string(StateConstructed))
	return s, nil
}

// Descriptor returns the binary and topic of the service.
func (s *Service) Descriptor() Descriptor { return s.desc }

// Host returns the node name the service runs as.
func (s *Service) Host() string { return s.host }

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the service, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failures implements runtimex.FailureReporter.
func (s *Service) Failures() <-chan error { return s.failures }

func (s *Service) String() string {
	return fmt.Sprintf("%s(%s on %s)", s.desc.Binary, s.desc.Topic, s.host)
}

// Name implements runtimex.HealthChecker.
func (s *Service) Name() string { return "service:" + s.desc.Binary }

// Check implements runtimex.HealthChecker. Only a started service without
// a runtime failure is healthy.
func (s *Service) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.state != StateStarted {
		return errors.Newf(errors.CodeUnavailable, "service is %s", s.state)
	}
	return nil
}

// Start initialises the host, joins the service group, starts consuming
// and schedules periodic tasks. Only a Constructed service can start.
func (s *Service) Start(ctx context.Context) error {
	const op = "servicex.Service.Start"
	s.mu.Lock()
	if s.state != StateConstructed {
		state := s.state
		s.mu.Unlock()
		return errors.Newf(errors.CodeAborted, "cannot start service in state %s", state)
	}
	s.mu.Unlock()

	s.logger.Info("starting service", log.Str("host", s.host))
	if err := s.start(ctx); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return errors.Wrap(errors.CodeRuntimeFailure, op, err)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		// Stopped while starting.
		s.mu.Unlock()
		return errors.New(errors.CodeAborted, "service stopped during start")
	}
	s.state = StateStarted
	s.mu.Unlock()
	runtimex.RegisterHealthChecker(s)
	s.metrics.ServiceState(s.desc.Binary, string(StateStarted))
	s.logger.Info("service started")
	return nil
}

func (s *Service) start(ctx context.Context) error {
	if err := s.manager.InitHost(ctx); err != nil {
		return err
	}

	if err := s.group.Join(ctx, s.host, s.desc.Topic, servicegroup.ServiceInfo{Binary: s.desc.Binary}); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()

	dispatcher, err := s.manager.Dispatcher()
	if err != nil {
		return err
	}
	nodeTopic := s.desc.Topic + "." + s.host
	for _, c := range []struct {
		topic  string
		fanout bool
	}{
		{s.desc.Topic, false},
		{nodeTopic, false},
		{s.desc.Topic, true},
	} {
		if err := s.conn.CreateConsumer(c.topic, dispatcher, c.fanout); err != nil {
			return err
		}
	}
	if err := s.conn.ConsumeInBackground(s.ctx); err != nil {
		return err
	}
	s.substrate.Go(s.watchConnection)

	if err := s.manager.PostStartHook(ctx); err != nil {
		return err
	}

	if s.periodicInterval > 0 {
		delay := utils.Jitter(s.periodicFuzzyDelay)
		stop := s.substrate.Loop(s.ctx, delay, s.periodicInterval, s.manager.RunPeriodicTasks)
		s.mu.Lock()
		s.stopPeriodic = stop
		s.mu.Unlock()
		s.logger.Debug("periodic tasks scheduled", log.Dur("initial_delay", delay), log.Dur("interval", s.periodicInterval))
	}
	return nil
}

// watchConnection turns a lost transport into a runtime failure.
func (s *Service) watchConnection() {
	select {
	case err := <-s.conn.Errors():
		if err == nil {
			return
		}
		failure := errors.Wrap(errors.CodeRuntimeFailure, "servicex.Service", err)
		s.mu.Lock()
		s.err = failure
		s.mu.Unlock()
		select {
		case s.failures <- failure:
		default:
		}
	case <-s.ctx.Done():
	}
}

// Stop leaves the group, closes the connection and releases every
// resource. It is idempotent; later calls return the first result.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Service) stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStopped
	stopPeriodic := s.stopPeriodic
	joined := s.joined
	s.mu.Unlock()
	s.logger.Info("stopping service")

	runtimex.UnregisterHealthChecker(s.Name())
	s.cancel()
	if stopPeriodic != nil {
		stopPeriodic()
	}

	var errs []error
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if joined {
		if err := s.group.Leave(ctx, s.host, s.desc.Topic); err != nil {
			errs = append(errs, fmt.Errorf("leave service group: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.ServiceState(s.desc.Binary, string(StateStopped))
	s.logger.Info("service stopped")
	return errors.Join(errs...)
}
