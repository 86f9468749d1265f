package configx

import (
	"time"

	"github.com/pnavarro/nova/configx/internal"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

// Config is the merged, immutable process configuration. It is created
// once by Parse and passed explicitly to every component that needs it.
type Config struct {
	registry *Registry
	values   map[string]any
	origin   map[string]string
	files    []string
	ignored  []string
}

// Value returns the typed value of a declared option. Reading an option
// that was never declared is a CodeStartupConfiguration error.
func (c *Config) Value(name string) (any, error) {
	v, ok := c.values[name]
	if !ok {
		return nil, errors.Newf(errors.CodeStartupConfiguration, "option %s is not declared", name)
	}
	if s, ok := v.([]string); ok {
		return append([]string(nil), s...), nil
	}
	return v, nil
}

func typed[T any](c *Config, name string) (T, error) {
	var zero T
	v, err := c.Value(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		opt, _ := c.registry.Lookup(name)
		return zero, errors.Newf(errors.CodeStartupConfiguration, "option %s is a %s, not a %T", name, opt.Kind, zero)
	}
	return t, nil
}

// String returns a string option.
func (c *Config) String(name string) (string, error) { return typed[string](c, name) }

// Int returns an int option.
func (c *Config) Int(name string) (int, error) { return typed[int](c, name) }

// Bool returns a bool option.
func (c *Config) Bool(name string) (bool, error) { return typed[bool](c, name) }

// Duration returns a duration option.
func (c *Config) Duration(name string) (time.Duration, error) { return typed[time.Duration](c, name) }

// Strings returns a string list option.
func (c *Config) Strings(name string) ([]string, error) { return typed[[]string](c, name) }

// Origin reports where an option's value came from: "default", "env",
// "flag" or "file:<path>". It returns "" for undeclared options.
func (c *Config) Origin(name string) string {
	return c.origin[name]
}

// Files returns the config files that were loaded, in precedence order.
func (c *Config) Files() []string {
	return append([]string(nil), c.files...)
}

// Ignored returns keys found in files or the environment that match no
// declared option.
func (c *Config) Ignored() []string {
	return append([]string(nil), c.ignored...)
}

// Bind fills fields tagged `opt:"name"` and validates the result with
// `validate` tags.
func (c *Config) Bind(target any) error {
	if err := internal.BindToStruct(target, c.Value); err != nil {
		if errors.CodeOf(err) != "" {
			return err
		}
		return errors.Wrap(errors.CodeStartupConfiguration, "configx.Bind", err)
	}
	if err := ValidateStruct(nil, target); err != nil {
		return errors.Wrap(errors.CodeStartupConfiguration, "configx.Bind", err)
	}
	return nil
}

// Log writes every option value at debug level. Sensitive names are
// masked by the logger.
func (c *Config) Log(logger log.Logger) {
	kv := make([]any, 0, 2*len(c.values))
	for _, o := range c.registry.Options() {
		if v, ok := c.values[o.Name]; ok {
			kv = append(kv, o.Name, internal.Format(v))
		}
	}
	logger.Debug("configuration options", kv...)
	logger.Debug("configuration sources", log.Strs("files", c.files), log.Strs("ignored", c.ignored))
}
