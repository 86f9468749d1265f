// Package configx provides declared-option configuration for nova workers.
//
// # Overview
//
// Every option a worker reads is declared in a Registry first. Packages
// expose their declarations through an Options() function; the binary
// registers them all and calls Parse once. The resulting Config is never
// mutated and is handed to each component explicitly.
//
// # Sources
//
// Values are merged with last-wins precedence:
//
//  1. option defaults
//  2. config files: every --config-file in order, otherwise the first of
//     <root>/etc/nova/nova.{yaml,yml,toml,json} for each search root,
//     ~/.nova/nova.*, /etc/nova/nova.*
//  3. environment variables with the NOVA_ prefix (NOVA_REPORT_INTERVAL)
//  4. command line flags (--report-interval or --report_interval)
//
// Config files may hold options at the top level or in a DEFAULT table.
//
// # Usage
//
//	type Intervals struct {
//		Report   time.Duration `opt:"report_interval" validate:"gt=0"`
//		Periodic time.Duration `opt:"periodic_interval"`
//	}
//	var iv Intervals
//	if err := cfg.Bind(&iv); err != nil { return err }
package configx
