// Package compute implements the role behind the nova-compute topic: host
// initialisation, the RPC endpoints the worker answers and its periodic
// tasks. It carries no hypervisor logic.
package compute

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/runtimex"
)

// RPCAPIVersion is the version of the compute RPC API.
const RPCAPIVersion = "2.0"

// Options configures a Manager.
type Options struct {
	Host      string
	Substrate *runtimex.Substrate // nil uses runtimex.Current()
	Logger    log.Logger
	Metrics   rpcx.Metrics
	Now       func() time.Time
}

// PeriodicTask is a named job run by RunPeriodicTasks at most once per
// Spacing. A zero Spacing runs on every call.
type PeriodicTask struct {
	Name    string
	Spacing time.Duration
	Run     func(ctx context.Context) error
}

// HostStats is the host snapshot refreshed by the periodic task.
type HostStats struct {
	Host       string    `json:"host"`
	CPUs       int       `json:"cpus"`
	Goroutines int       `json:"goroutines"`
	Uptime     string    `json:"uptime,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Manager is the compute role.
type Manager struct {
	host      string
	substrate *runtimex.Substrate
	logger    log.Logger
	metrics   rpcx.Metrics
	now       func() time.Time

	mu          sync.Mutex
	initialized bool
	tasks       []PeriodicTask
	lastRun     map[string]time.Time
	stats       HostStats
}

// NewManager creates the manager for opts.Host.
func NewManager(opts Options) *Manager {
	if opts.Substrate == nil {
		opts.Substrate = runtimex.Current()
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		host:      opts.Host,
		substrate: opts.Substrate,
		logger:    opts.Logger.With(log.Str("host", opts.Host)),
		metrics:   opts.Metrics,
		now:       opts.Now,
		lastRun:   make(map[string]time.Time),
	}
	m.tasks = []PeriodicTask{
		{Name: "refresh_host_stats", Spacing: time.Minute, Run: m.refreshHostStats},
	}
	return m
}

// Host returns the host the manager serves.
func (m *Manager) Host() string { return m.host }

// InitHost prepares the host before the service joins its group.
func (m *Manager) InitHost(ctx context.Context) error {
	if m.host == "" {
		return errors.New(errors.CodeInvalidArgument, "compute host is required")
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("compute host initialised")
	return m.refreshHostStats(ctx)
}

// PostStartHook runs once consumers are up.
func (m *Manager) PostStartHook(context.Context) error {
	m.logger.Debug("compute manager ready")
	return nil
}

// AddPeriodicTask registers an extra periodic task.
func (m *Manager) AddPeriodicTask(t PeriodicTask) error {
	if t.Name == "" || t.Run == nil {
		return errors.New(errors.CodeInvalidArgument, "periodic task needs a name and a function")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.Name == t.Name {
			return errors.Newf(errors.CodeAlreadyExists, "periodic task %s already registered", t.Name)
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

// RunPeriodicTasks runs every due task under an admin request context. A
// failing task is logged and does not prevent the others from running.
func (m *Manager) RunPeriodicTasks(ctx context.Context) {
	ctx = identity.WithRequest(ctx, identity.NewAdminContext())
	m.mu.Lock()
	now := m.now()
	due := make([]PeriodicTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		last, ran := m.lastRun[t.Name]
		if !ran || now.Sub(last) >= t.Spacing {
			due = append(due, t)
			m.lastRun[t.Name] = now
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			m.logger.Error(err, "periodic task failed", log.Str("task", t.Name))
			continue
		}
		m.logger.Debug("periodic task done", log.Str("task", t.Name), log.Dur("took", time.Since(start)))
	}
}

// Stats returns the last host snapshot.
func (m *Manager) Stats() HostStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) refreshHostStats(ctx context.Context) error {
	stats := HostStats{
		Host:       m.host,
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		UpdatedAt:  m.now().UTC(),
	}
	uptime, err := m.hostUptime(ctx)
	if err != nil {
		m.logger.Debug("host uptime unavailable", log.Str("reason", err.Error()))
	}
	stats.Uptime = uptime

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
	return nil
}

// hostUptime runs uptime(1) through the substrate.
func (m *Manager) hostUptime(ctx context.Context) (string, error) {
	out, err := m.substrate.Command(ctx, "uptime").Output()
	if err != nil {
		return "", errors.Wrap(errors.CodeUnavailable, "compute.hostUptime", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Dispatcher builds the RPC endpoint of the manager.
func (m *Manager) Dispatcher() (*rpcx.Dispatcher, error) {
	d, err := rpcx.NewDispatcher(RPCAPIVersion, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	handlers := map[string]rpcx.Handler{
		"ping":            m.ping,
		"get_host_uptime": m.getHostUptime,
		"get_host_stats":  m.getHostStats,
	}
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := d.Register(name, handlers[name]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (m *Manager) ping(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"host": m.host, "arg": args["arg"]}, nil
}

func (m *Manager) getHostUptime(ctx context.Context, args map[string]any) (any, error) {
	if host, _ := args["host"].(string); host != "" && host != m.host {
		return nil, errors.Newf(errors.CodeInvalidArgument, "host %s is not served here", host)
	}
	return m.hostUptime(ctx)
}

func (m *Manager) getHostStats(context.Context, map[string]any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, errors.New(errors.CodeUnavailable, "host not initialised")
	}
	return m.stats, nil
}
