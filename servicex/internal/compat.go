package internal

import (
	"net"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/log"
)

// OptionReader reads boolean options. *configx.Config implements it.
type OptionReader interface {
	Bool(name string) (bool, error)
}

// Patch is a process-wide adjustment enabled by a boolean option.
type Patch struct {
	Name   string
	Option string
	Apply  func()
}

// Patches lists the compatibility patches in application order.
var Patches = []Patch{
	{Name: "utc_clock", Option: "use_utc", Apply: func() { time.Local = time.UTC }},
	{Name: "go_resolver", Option: "prefer_go_resolver", Apply: func() { net.DefaultResolver.PreferGo = true }},
}

var compat struct {
	mu   sync.Mutex
	done bool
}

// ApplyCompatPatches applies every enabled patch once per process and
// returns the names applied. Later calls return nil. An unreadable option
// aborts before any patch is applied.
func ApplyCompatPatches(cfg OptionReader, logger log.Logger) ([]string, error) {
	compat.mu.Lock()
	defer compat.mu.Unlock()
	if compat.done {
		return nil, nil
	}

	enabled := make([]Patch, 0, len(Patches))
	for _, p := range Patches {
		on, err := cfg.Bool(p.Option)
		if err != nil {
			return nil, err
		}
		if on {
			enabled = append(enabled, p)
		}
	}

	applied := make([]string, 0, len(enabled))
	for _, p := range enabled {
		p.Apply()
		applied = append(applied, p.Name)
		logger.Debug("compat patch applied", log.Str("patch", p.Name))
	}
	compat.done = true
	return applied, nil
}
