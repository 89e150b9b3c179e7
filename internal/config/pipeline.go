package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"fluentsink/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", fmt.Errorf("pipeline %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Sink.Name == "" {
		return cfg, "", fmt.Errorf("pipeline %s: sink.name required", path)
	}
	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return cfg, confPath, nil
}

// SinkProperties flattens the sink property block into the string map a
// task's Start expects. Lists become comma-separated values.
func SinkProperties(s spec.SinkSpec) (map[string]string, error) {
	out := make(map[string]string, len(s.Properties))
	for k, v := range s.Properties {
		if list, ok := v.([]any); ok {
			parts, err := cast.ToStringSliceE(list)
			if err != nil {
				return nil, fmt.Errorf("sink property %s: %w", k, err)
			}
			out[k] = strings.Join(parts, ",")
			continue
		}
		str, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("sink property %s: %w", k, err)
		}
		out[k] = str
	}
	return out, nil
}

