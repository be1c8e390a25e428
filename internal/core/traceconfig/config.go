// Package traceconfig defines the configuration a consumer passes to
// EnableTracing and its JSON, YAML and TOML encodings.
package traceconfig

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid is wrapped by every validation and parse failure
var ErrInvalid = errors.New("invalid trace config")

// Format is a serialization format for trace configs
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// BufferConfig describes one trace buffer the session needs
type BufferConfig struct {
	SizeBytes int `json:"size_bytes" yaml:"size_bytes" toml:"size_bytes"`
}

// DataSource selects registered data sources by name and routes their data
// to one of the configured buffers.
type DataSource struct {
	// Name is an exact data source name or a doublestar glob
	Name string `json:"name" yaml:"name" toml:"name"`

	// TargetBuffer indexes TraceConfig.Buffers
	TargetBuffer int `json:"target_buffer" yaml:"target_buffer" toml:"target_buffer"`

	// Options are passed through to the producer untouched
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// TraceConfig is the full request for one tracing session
type TraceConfig struct {
	Buffers     []BufferConfig `json:"buffers" yaml:"buffers" toml:"buffers"`
	DataSources []DataSource   `json:"data_sources" yaml:"data_sources" toml:"data_sources"`

	// DurationMs disables the session automatically once elapsed; 0 means
	// the session runs until disabled.
	DurationMs uint32 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" toml:"duration_ms,omitempty"`
}

// Validate checks the config is internally consistent
func (c *TraceConfig) Validate() error {
	if len(c.DataSources) > 0 && len(c.Buffers) == 0 {
		return fmt.Errorf("%w: %d data sources but no buffers", ErrInvalid, len(c.DataSources))
	}
	for i, b := range c.Buffers {
		if b.SizeBytes <= 0 {
			return fmt.Errorf("%w: buffer %d has size %d", ErrInvalid, i, b.SizeBytes)
		}
	}
	for i, ds := range c.DataSources {
		if ds.Name == "" {
			return fmt.Errorf("%w: data source %d has no name", ErrInvalid, i)
		}
		if !doublestar.ValidatePattern(ds.Name) {
			return fmt.Errorf("%w: data source %d: bad pattern %q", ErrInvalid, i, ds.Name)
		}
		if ds.TargetBuffer < 0 || ds.TargetBuffer >= len(c.Buffers) {
			return fmt.Errorf("%w: data source %q targets buffer %d, have %d", ErrInvalid, ds.Name, ds.TargetBuffer, len(c.Buffers))
		}
	}
	return nil
}

// Clone returns a deep copy
func (c *TraceConfig) Clone() *TraceConfig {
	out := &TraceConfig{
		Buffers:    append([]BufferConfig(nil), c.Buffers...),
		DurationMs: c.DurationMs,
	}
	if c.DataSources != nil {
		out.DataSources = make([]DataSource, len(c.DataSources))
		for i, ds := range c.DataSources {
			out.DataSources[i] = ds
			if ds.Options != nil {
				out.DataSources[i].Options = make(map[string]string, len(ds.Options))
				for k, v := range ds.Options {
					out.DataSources[i].Options[k] = v
				}
			}
		}
	}
	return out
}

// Matches reports whether a configured name selects a registered one
func Matches(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[{\\") {
		return false
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// Parse decodes and validates a config
func Parse(data []byte, format Format) (*TraceConfig, error) {
	var cfg TraceConfig
	var err error
	switch format {
	case FormatJSON, "":
		err = sonic.Unmarshal(data, &cfg)
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	case FormatTOML:
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s parse error: %v", ErrInvalid, format, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes a config
func Marshal(cfg *TraceConfig, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return sonic.MarshalIndent(cfg, "", "  ")
	case FormatYAML:
		return yaml.Marshal(cfg)
	case FormatTOML:
		return toml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// FormatFromContentType maps a request content type to a format, defaulting
// to JSON.
func FormatFromContentType(contentType string) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatJSON
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return FormatYAML
	case "application/toml", "text/toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// FormatFromPath picks a format from a file extension, defaulting to JSON
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}
