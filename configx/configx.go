// Package configx loads the process configuration once at startup.
//
// Overview:
//   - Responsibility: Merge declared options from defaults, files, env and flags
//   - Key Types: Registry of Opt declarations, Config immutable snapshot, ParseOptions
//   - Concurrency Model: Parse runs once; Config is read-only and safe for concurrent use
//   - Error Semantics: Every failure is a CodeStartupConfiguration error; -h returns ErrHelp
//   - Performance Notes: Values are converted once during Parse
//
// Usage:
//
//	reg := configx.NewRegistry()
//	reg.MustRegister(configx.Str("topic", "", "Topic to consume").AsRequired())
//	cfg, err := configx.Parse(ctx, os.Args[1:], configx.ParseOptions{Registry: reg})
//	topic, err := cfg.String("topic")
package configx

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/pnavarro/nova/configx/internal"
	"github.com/pnavarro/nova/core/errors"
)

// ErrHelp is returned by Parse when -h or --help was given. Usage has
// already been printed.
var ErrHelp = pflag.ErrHelp

const configFileFlag = "config-file"

// ParseOptions controls where Parse looks for values.
type ParseOptions struct {
	Program     string    // usage header (default "nova")
	Project     string    // config file base name and directory (default "nova")
	Registry    *Registry // declared options (required)
	SearchPath  []string  // extra roots; <root>/etc/<project>/<project>.<ext> is tried first
	DefaultDirs []string  // nil uses ~/.<project> and /etc/<project>
	EnvPrefix   string    // default "NOVA_"
	Environ     []string  // nil reads os.Environ()
	Stderr      io.Writer // usage and diagnostics (default os.Stderr)
}

func (o *ParseOptions) defaults() {
	if o.Program == "" {
		o.Program = "nova"
	}
	if o.Project == "" {
		o.Project = "nova"
	}
	if o.EnvPrefix == "" {
		o.EnvPrefix = strings.ToUpper(o.Project) + "_"
	}
	if o.DefaultDirs == nil {
		o.DefaultDirs = internal.DefaultDirs(o.Project)
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// Parse builds the process configuration from argv (without the program
// name). Precedence, lowest first: option defaults, config files,
// environment, flags.
//
// Parameters:
//   - ctx: bounds source loading
//   - argv: command line arguments
//   - opts: registry and lookup locations
//
// Returns:
//   - *Config: immutable snapshot of every declared option
//   - error: ErrHelp, or a CodeStartupConfiguration error already reported on opts.Stderr
func Parse(ctx context.Context, argv []string, opts ParseOptions) (*Config, error) {
	const op = "configx.Parse"
	opts.defaults()
	if opts.Registry == nil {
		return nil, errors.New(errors.CodeStartupConfiguration, "no option registry")
	}

	declared := opts.Registry.Options()
	fs := newFlagSet(opts.Program, declared, opts.Stderr)
	configFiles := fs.StringArray(configFileFlag, nil, "Config file to load; repeat to layer files (default: first found in the search path)")

	fail := func(err error) (*Config, error) {
		fmt.Fprintf(opts.Stderr, "%s: %v\n", opts.Program, err)
		return nil, errors.Wrap(errors.CodeStartupConfiguration, op, err)
	}

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		fmt.Fprintf(opts.Stderr, "%s: %v\n", opts.Program, err)
		fs.Usage()
		return nil, errors.Wrap(errors.CodeStartupConfiguration, op, err)
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return fail(fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " ")))
	}

	var sources []internal.Source
	if len(*configFiles) > 0 {
		for _, path := range *configFiles {
			sources = append(sources, internal.NewFileSource(path, internal.FileOptions{Required: true}))
		}
	} else if path, ok := internal.FindConfigFile(opts.Project, internal.CandidateDirs(opts.Project, opts.SearchPath, opts.DefaultDirs)); ok {
		sources = append(sources, internal.NewFileSource(path, internal.FileOptions{}))
	}
	sources = append(sources,
		internal.NewEnvSource(internal.EnvOptions{Prefix: opts.EnvPrefix, Environ: opts.Environ}),
		internal.NewMapSource("flag", changedFlags(fs)),
	)

	layers, err := internal.LoadLayers(ctx, sources)
	if err != nil {
		return fail(err)
	}
	raw, origin := internal.Merge(layers)

	cfg := &Config{
		registry: opts.Registry,
		values:   make(map[string]any, len(declared)),
		origin:   make(map[string]string, len(declared)),
	}
	for _, src := range sources {
		if fsrc, ok := src.(*internal.FileSource); ok {
			cfg.files = append(cfg.files, fsrc.Path())
		}
	}

	var missing []string
	for _, o := range declared {
		value, ok := raw[o.Name]
		if !ok {
			if o.Required {
				missing = append(missing, o.Name)
				continue
			}
			cfg.values[o.Name] = o.Default
			cfg.origin[o.Name] = "default"
			continue
		}
		typed, err := internal.Convert(o.Kind, value)
		if err != nil {
			return fail(fmt.Errorf("option %s from %s: %w", o.Name, origin[o.Name], err))
		}
		if o.Required && internal.Format(typed) == "" {
			missing = append(missing, o.Name)
			continue
		}
		cfg.values[o.Name] = typed
		cfg.origin[o.Name] = origin[o.Name]
	}
	if len(missing) > 0 {
		return fail(fmt.Errorf("required option(s) not set: %s", strings.Join(missing, ", ")))
	}

	for key := range raw {
		if _, ok := cfg.values[key]; !ok {
			cfg.ignored = append(cfg.ignored, key)
		}
	}
	sort.Strings(cfg.ignored)

	return cfg, nil
}

func flagName(option string) string {
	return strings.ReplaceAll(option, "_", "-")
}

func optionName(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func newFlagSet(program string, declared []Opt, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(program, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(flagName(name))
	})
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags]\n\nFlags:\n%s", program, fs.FlagUsages())
	}

	for _, o := range declared {
		help := o.Help
		if o.Required {
			help += " (required)"
		}
		name := flagName(o.Name)
		switch o.Kind {
		case KindInt:
			fs.Int(name, o.Default.(int), help)
		case KindBool:
			fs.Bool(name, o.Default.(bool), help)
		case KindDuration:
			fs.Duration(name, o.Default.(time.Duration), help)
		case KindStrings:
			fs.StringSlice(name, o.Default.([]string), help)
		default:
			fs.String(name, o.Default.(string), help)
		}
	}
	return fs
}

// changedFlags returns the raw values of flags given on the command line.
func changedFlags(fs *pflag.FlagSet) map[string]string {
	out := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == configFileFlag {
			return
		}
		value := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			value = strings.Join(sv.GetSlice(), ",")
		}
		out[optionName(f.Name)] = value
	})
	return out
}
