package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadFile merges the YAML file at path (when it exists) with environment
// variables starting with envPrefix into out. Nested keys use "__" in the
// variable name: TIDEMARK_KAFKA__CACHE__CAPACITY sets cache.capacity.
func LoadFile(path, envPrefix string, out any) error {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return fmt.Errorf("%s: schema_version %q not supported (want %q)", path, sv, SupportedSchema)
	}
	if envPrefix != "" {
		mapper := func(s string) string {
			return strings.ToLower(strings.TrimPrefix(s, envPrefix))
		}
		if err := k.Load(env.Provider(envPrefix, "__", mapper), nil); err != nil {
			return fmt.Errorf("load %s* env: %w", envPrefix, err)
		}
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the `validate` struct tags of v.
func Validate(v any) error {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
