// Package servicegroup tracks which workers of a topic are alive.
//
// Overview:
//   - Responsibility: Register a worker with its group, keep its record fresh
//     with a periodic heartbeat and answer liveness queries
//   - Key Types: API, Driver, Member, Config
//   - Concurrency Model: API is safe for concurrent use; each joined member
//     owns one heartbeat loop
//   - Error Semantics: Unknown drivers and bad configuration fail New;
//     heartbeat failures are logged and counted, never fatal
//
// Drivers:
//   - db: service records in the "services" table (GORM)
//   - redis: one expiring key per member
//
// Usage:
//
//	api, err := servicegroup.New(cfg, servicegroup.Deps{Store: db, Logger: logger})
//	if err != nil { return err }
//	defer api.Close()
//	_ = api.Join(ctx, host, topic, servicegroup.ServiceInfo{Binary: "nova-compute"})
//	hosts, _ := api.GetAll(ctx, topic)
package servicegroup

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/storex"
)

// Driver names.
const (
	DriverDB    = "db"
	DriverRedis = "redis"
)

// Config holds the service group options.
type Config struct {
	Driver            string        `opt:"servicegroup_driver" validate:"required"`
	ServiceDownTime   time.Duration `opt:"service_down_time" validate:"gt=0"`
	ReportInterval    time.Duration `opt:"report_interval" validate:"gt=0"`
	EnableNewServices bool          `opt:"enable_new_services"`
	RedisURL          string        `opt:"redis_url"`
}

// ConfigOptions declares the service group options.
func ConfigOptions() []configx.Opt {
	return []configx.Opt{
		configx.Str("servicegroup_driver", DriverDB, "Service group driver: db or redis"),
		configx.Dur("service_down_time", 60*time.Second, "Maximum time since the last heartbeat for a service to be up"),
		configx.Dur("report_interval", 10*time.Second, "Seconds between heartbeats of a joined service"),
		configx.Bool("enable_new_services", true, "Create new service records enabled"),
		configx.Str("redis_url", "redis://localhost:6379/0", "Redis URL of the redis driver"),
	}
}

// LoadConfig binds the service group options from cfg.
func LoadConfig(cfg *configx.Config) (Config, error) {
	var c Config
	if err := cfg.Bind(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// HeartbeatMetrics counts heartbeats. *obsx.WorkerMetrics implements it.
type HeartbeatMetrics interface {
	Heartbeat(ctx context.Context, driver string, err error)
}

type nopMetrics struct{}

func (nopMetrics) Heartbeat(context.Context, string, error) {}

// Deps are the collaborators of the drivers.
type Deps struct {
	Logger    log.Logger
	Store     storex.GORMStore   // required by the db driver
	Substrate *runtimex.Substrate // heartbeat loops and redis dials; nil uses runtimex.Current()
	Metrics   HeartbeatMetrics
	Now       func() time.Time // nil uses time.Now
}

// ServiceInfo describes the service joining a group.
type ServiceInfo struct {
	Binary string
}

// Member is a service record as seen by liveness checks.
type Member struct {
	Host        string
	Binary      string
	Topic       string
	ReportCount int64
	Disabled    bool
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// LastSeen returns the last heartbeat time, or the creation time when no
// heartbeat has been recorded.
func (m Member) LastSeen() time.Time {
	if m.UpdatedAt != nil {
		return *m.UpdatedAt
	}
	return m.CreatedAt
}

// Driver is a membership backend.
type Driver interface {
	Join(ctx context.Context, memberID, groupID string, svc ServiceInfo) error
	IsUp(ctx context.Context, m Member) (bool, error)
	Leave(ctx context.Context, memberID, groupID string) error
	GetAll(ctx context.Context, groupID string) ([]string, error)
	Close() error
}

// API is the service group entry point.
type API struct {
	driver Driver
	name   string
	logger log.Logger
}

// New creates the API for cfg.Driver.
//
// Parameters:
//   - cfg: driver name and liveness timings
//   - deps: collaborators; Store is required by the db driver, nil fields
//     take defaults
//
// Returns:
//   - *API: service group API; Close stops every heartbeat
//   - error: CodeInvalidArgument for an unknown driver or bad settings
//
// Concurrency:
//   - The returned API is safe for concurrent use
func New(cfg Config, deps Deps) (*API, error) {
	if deps.Logger == nil {
		deps.Logger = log.Nop{}
	}
	if deps.Substrate == nil {
		deps.Substrate = runtimex.Current()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.ServiceDownTime <= 0 || cfg.ReportInterval <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "service_down_time and report_interval must be positive")
	}
	logger := deps.Logger.With(log.Str("servicegroup_driver", cfg.Driver))

	var (
		driver Driver
		err    error
	)
	switch cfg.Driver {
	case DriverDB:
		driver, err = newDBDriver(cfg, deps, logger)
	case DriverRedis:
		driver, err = newRedisDriver(cfg, deps, logger)
	default:
		return nil, errors.Newf(errors.CodeInvalidArgument, "unknown ServiceGroup driver name: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("service group driver ready")
	return &API{driver: driver, name: cfg.Driver, logger: logger}, nil
}

// Driver returns the driver name.
func (a *API) Driver() string { return a.name }

// Join adds memberID to groupID and starts its heartbeat.
func (a *API) Join(ctx context.Context, memberID, groupID string, svc ServiceInfo) error {
	a.logger.Debug("join service group", log.Str("member", memberID), log.Str("group", groupID), log.Str("binary", svc.Binary))
	return a.driver.Join(ctx, memberID, groupID, svc)
}

// IsUp reports whether m has reported recently enough.
func (a *API) IsUp(ctx context.Context, m Member) (bool, error) {
	return a.driver.IsUp(ctx, m)
}

// Leave stops the heartbeat of memberID.
func (a *API) Leave(ctx context.Context, memberID, groupID string) error {
	a.logger.Debug("leave service group", log.Str("member", memberID), log.Str("group", groupID))
	return a.driver.Leave(ctx, memberID, groupID)
}

// GetAll returns the live members of groupID.
func (a *API) GetAll(ctx context.Context, groupID string) ([]string, error) {
	return a.driver.GetAll(ctx, groupID)
}

// GetOne returns a random live member of groupID. ok is false when the
// group is empty.
func (a *API) GetOne(ctx context.Context, groupID string) (member string, ok bool, err error) {
	members, err := a.driver.GetAll(ctx, groupID)
	if err != nil || len(members) == 0 {
		return "", false, err
	}
	return members[rand.IntN(len(members))], true, nil
}

// Close stops every heartbeat and releases driver resources.
func (a *API) Close() error {
	return a.driver.Close()
}

// isUp applies the liveness rule: the last report is at most downTime old.
func isUp(now, lastSeen time.Time, downTime time.Duration) bool {
	return now.Sub(lastSeen) <= downTime
}
