package configx

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pnavarro/nova/configx/internal"
	"github.com/pnavarro/nova/core/errors"
)

// Kind is the value type of an option.
type Kind = internal.Kind

// Option kinds and their Go types.
const (
	KindString   = internal.KindString   // string
	KindInt      = internal.KindInt      // int
	KindBool     = internal.KindBool     // bool
	KindDuration = internal.KindDuration // time.Duration
	KindStrings  = internal.KindStrings  // []string
)

// Opt declares one named option.
type Opt struct {
	Name     string // snake_case name; the flag is the dashed form
	Kind     Kind
	Default  any // nil means the zero value of Kind
	Help     string
	Required bool // must be supplied by a file, env or flag
}

// Str declares a string option.
func Str(name, def, help string) Opt {
	return Opt{Name: name, Kind: KindString, Default: def, Help: help}
}

// Registry holds the declared options. Packages contribute through an
// Options() function and the binary registers them before Parse.
// An option must be declared before it can be read.
type Registry struct {
	mu   sync.RWMutex
	opts map[string]Opt
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{opts: make(map[string]Opt)}
}

// Register declares opts. Registering an identical definition again is a
// no-op; a conflicting definition is an error.
func (r *Registry) Register(opts ...Opt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range opts {
		if o.Name == "" {
			return errors.New(errors.CodeInvalidArgument, "option name is empty")
		}
		if o.Default == nil {
			o.Default = internal.Zero(o.Kind)
		}
		if !internal.CheckType(o.Kind, o.Default) {
			return errors.Newf(errors.CodeInvalidArgument, "option %s: default %v (%T) is not a %s", o.Name, o.Default, o.Default, o.Kind)
		}
		if prev, ok := r.opts[o.Name]; ok {
			if !reflect.DeepEqual(prev, o) {
				return errors.Newf(errors.CodeAlreadyExists, "option %s already declared with a different definition", o.Name)
			}
			continue
		}
		r.opts[o.Name] = o
	}
	return nil
}

// MustRegister is Register that panics, for package-level option tables.
func (r *Registry) MustRegister(opts ...Opt) *Registry {
	if err := r.Register(opts...); err != nil {
		panic(fmt.Sprintf("configx: %v", err))
	}
	return r
}

// Lookup returns the declaration of name.
func (r *Registry) Lookup(name string) (Opt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opts[name]
	return o, ok
}

// Options returns all declarations sorted by name.
func (r *Registry) Options() []Opt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Opt, 0, len(r.opts))
	for _, o := range r.opts {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Int declares an int option.
func Int(name string, def int, help string) Opt {
	return Opt{Name: name, Kind: KindInt, Default: def, Help: help}
}

// Bool declares a bool option.
func Bool(name string, def bool, help string) Opt {
	return Opt{Name: name, Kind: KindBool, Default: def, Help: help}
}

// Dur declares a duration option.
func Dur(name string, def time.Duration, help string) Opt {
	return Opt{Name: name, Kind: KindDuration, Default: def, Help: help}
}

// List declares a comma separated string list option.
func List(name string, def []string, help string) Opt {
	if def == nil {
		def = []string{}
	}
	return Opt{Name: name, Kind: KindStrings, Default: def, Help: help}
}

// AsRequired returns o marked as required.
func (o Opt) AsRequired() Opt {
	o.Required = true
	return o
}
