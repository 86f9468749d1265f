// Package internal provides internal implementation details for configx.
//
// Overview:
//   - Responsibility: Load raw option values from files, environment and flags
//   - Key Types: EnvSource, FileSource, MapSource
//   - Concurrency Model: Sources are read once during Parse; no watchers
//   - Error Semantics: Sources return errors for unreadable or malformed input
//
// Usage:
//
//	src := internal.NewFileSource("/etc/nova/nova.yaml", internal.FileOptions{Required: true})
//	raw, err := src.Load(ctx)
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Source loads a snapshot of raw option values keyed by option name.
type Source interface {
	// Name identifies the source in origin reports, e.g. "env" or "file:/etc/nova/nova.yaml".
	Name() string
	// Load reads the current snapshot.
	Load(ctx context.Context) (map[string]string, error)
}

// EnvOptions configures environment variable source behavior.
type EnvOptions struct {
	Prefix  string   // Only variables with this prefix are read; the prefix is stripped
	Environ []string // KEY=VALUE pairs; nil reads os.Environ()
}

// EnvSource loads configuration from environment variables.
// Keys are lowercased after the prefix is removed, so NOVA_TOPIC yields "topic".
type EnvSource struct {
	prefix  string
	environ []string
}

// NewEnvSource creates a new environment variable source.
func NewEnvSource(opts EnvOptions) *EnvSource {
	return &EnvSource{prefix: opts.Prefix, environ: opts.Environ}
}

// Name implements Source.
func (s *EnvSource) Name() string { return "env" }

// Load reads configuration from environment variables.
func (s *EnvSource) Load(ctx context.Context) (map[string]string, error) {
	environ := s.environ
	if environ == nil {
		environ = os.Environ()
	}

	config := make(map[string]string)
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if s.prefix != "" {
			if !strings.HasPrefix(key, s.prefix) {
				continue
			}
			key = strings.TrimPrefix(key, s.prefix)
		}
		if key == "" {
			continue
		}
		config[strings.ToLower(key)] = value
	}
	return config, nil
}

// FileOptions configures file source behavior.
type FileOptions struct {
	Format   string // "json", "yaml", "toml"; empty detects from the extension
	Required bool   // a missing file is an error instead of an empty snapshot
}

// FileSource loads configuration from a yaml, toml or json file.
//
// Top-level scalars map to options directly. A top-level table named
// "DEFAULT" or "default" is merged at the top level; any other table is
// flattened with dotted keys ("database.connection").
type FileSource struct {
	path     string
	format   string
	required bool
}

// NewFileSource creates a new file source.
func NewFileSource(path string, opts FileOptions) *FileSource {
	format := opts.Format
	if format == "" {
		format = DetectFileFormat(path)
	}
	return &FileSource{path: path, format: format, required: opts.Required}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Path returns the file path.
func (s *FileSource) Path() string { return s.path }

// Load reads configuration from the file.
func (s *FileSource) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) && !s.required {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", s.path, err)
	}

	config, err := ParseConfigFile(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	return config, nil
}

// MapSource serves a fixed snapshot. The flag layer uses it.
type MapSource struct {
	name   string
	values map[string]string
}

// NewMapSource creates a source over values.
func NewMapSource(name string, values map[string]string) *MapSource {
	return &MapSource{name: name, values: values}
}

// Name implements Source.
func (s *MapSource) Name() string { return s.name }

// Load returns a copy of the snapshot.
func (s *MapSource) Load(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

// DetectFileFormat detects file format from extension.
func DetectFileFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// ParseConfigFile parses configuration file content into raw option values.
func ParseConfigFile(data []byte, format string) (map[string]string, error) {
	tree := make(map[string]any)

	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&tree); err != nil {
			return nil, err
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
	case "toml":
		if _, err := toml.Decode(string(data), &tree); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	out := make(map[string]string)
	// Named sections first so DEFAULT values cannot be shadowed by ordering.
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, "default") {
			continue
		}
		if err := flatten(out, k, tree[k]); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		if !strings.EqualFold(k, "default") {
			continue
		}
		section, ok := asMap(tree[k])
		if !ok {
			return nil, fmt.Errorf("section %q must be a table", k)
		}
		for sk, sv := range section {
			if err := flatten(out, sk, sv); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func flatten(out map[string]string, key string, value any) error {
	if m, ok := asMap(value); ok {
		for k, v := range m {
			if err := flatten(out, key+"."+k, v); err != nil {
				return err
			}
		}
		return nil
	}

	s, err := scalarString(value)
	if err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	out[key] = s
	return nil
}

func asMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func scalarString(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if _, nested := asMap(item); nested {
				return "", fmt.Errorf("lists of tables are not supported")
			}
			s, err := scalarString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return fmt.Sprint(v), nil
	}
}
