package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tidemark/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML and validates schema_version.
// Relative source, sink and sqlite paths are resolved against the
// directory of the pipeline file.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Source.Kind == "" {
		return cfg, fmt.Errorf("%s: source.kind is required", path)
	}
	if len(cfg.Sinks) == 0 {
		return cfg, fmt.Errorf("%s: at least one sink is required", path)
	}

	dir := filepath.Dir(path)
	cfg.Source.Config = resolve(dir, cfg.Source.Config)
	for i := range cfg.Sinks {
		cfg.Sinks[i].Config = resolve(dir, cfg.Sinks[i].Config)
	}
	cfg.Resume.SQL.DSN = resolveSQLite(dir, cfg.Resume.SQL)
	cfg.Idempotent.SQL.DSN = resolveSQLite(dir, cfg.Idempotent.SQL.SQLSpec)
	return cfg, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func resolveSQLite(dir string, s spec.SQLSpec) string {
	if s.Dialect != "sqlite" || s.DSN == "" || s.DSN == ":memory:" || strings.HasPrefix(s.DSN, "file:") {
		return s.DSN
	}
	return resolve(dir, s.DSN)
}
