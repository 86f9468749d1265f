package servicex

import (
	"os"
	"time"

	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/logx"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/servicegroup"
	"github.com/pnavarro/nova/storex"
)

// Settings are the service options bound from the configuration.
type Settings struct {
	Topic              string        `opt:"topic" validate:"required"`
	Host               string        `opt:"host" validate:"required"`
	ReportInterval     time.Duration `opt:"report_interval" validate:"gt=0"`
	PeriodicInterval   time.Duration `opt:"periodic_interval" validate:"gte=0"`
	PeriodicFuzzyDelay time.Duration `opt:"periodic_fuzzy_delay" validate:"gte=0"`
	HealthListen       string        `opt:"health_listen"`
	MetricsListen      string        `opt:"metrics_listen"`
	ShutdownTimeout    time.Duration `opt:"shutdown_timeout" validate:"gt=0"`
}

// LogSettings are the logging options.
type LogSettings struct {
	Debug  bool   `opt:"debug"`
	Level  string `opt:"log_level" validate:"oneof=debug info warn warning error"`
	Format string `opt:"log_format" validate:"oneof=logfmt json"`
	File   string `opt:"log_file"`
	Color  bool   `opt:"use_color"`
}

// SetupOptions converts s for logx.Setup.
func (s LogSettings) SetupOptions() logx.SetupOptions {
	return logx.SetupOptions{
		Level:  s.Level,
		Debug:  s.Debug,
		Format: logx.Format(s.Format),
		File:   s.File,
		Color:  s.Color,
	}
}

func defaultHost() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// ConfigOptions declares the bootstrap and service options.
func ConfigOptions() []configx.Opt {
	return []configx.Opt{
		configx.Str("topic", "", "Message bus topic the service consumes").AsRequired(),
		configx.Str("host", defaultHost(), "Name of this node; used as the service group member id"),
		configx.Dur("periodic_interval", 60*time.Second, "Interval between periodic task runs; 0 disables them"),
		configx.Dur("periodic_fuzzy_delay", 60*time.Second, "Upper bound of the random delay before the first periodic run"),
		configx.Bool("debug", false, "Log at debug level"),
		configx.Str("log_level", "info", "Log level: debug, info, warn or error"),
		configx.Str("log_format", "logfmt", "Log format: logfmt or json"),
		configx.Str("log_file", "", "Append logs to this file instead of stderr"),
		configx.Bool("use_color", false, "Colour log levels on a terminal"),
		configx.Bool("use_utc", true, "Run the process clock in UTC"),
		configx.Bool("prefer_go_resolver", false, "Resolve host names with the pure Go resolver"),
		configx.Str("health_listen", "", "Address of the /health, /ready and /live listener; empty disables it"),
		configx.Str("metrics_listen", "", "Address of the Prometheus /metrics listener; empty disables it"),
		configx.Dur("shutdown_timeout", 15*time.Second, "Time allowed for the service to stop"),
	}
}

// NewRegistry declares the options of every package the worker uses.
func NewRegistry() (*configx.Registry, error) {
	reg := configx.NewRegistry()
	for _, opts := range [][]configx.Opt{
		ConfigOptions(),
		rpcx.ConfigOptions(),
		storex.ConfigOptions(),
		servicegroup.ConfigOptions(),
	} {
		if err := reg.Register(opts...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
