package kafka

import (
	"fmt"

	"tidemark/internal/config"
	"tidemark/internal/resume"
)

const EnvPrefix = "TIDEMARK_KAFKA__"

type CacheCfg struct {
	Capacity   int    `koanf:"capacity" validate:"gte=0"`
	FillPolicy string `koanf:"fill_policy" validate:"omitempty,oneof=maximizing minimizing"`
}

type Config struct {
	Brokers   []string `koanf:"brokers" validate:"required,min=1,dive,required"`
	Topics    []string `koanf:"topics" validate:"required,min=1,dive,required"`
	GroupID   string   `koanf:"group_id" validate:"required"`
	StartFrom string   `koanf:"start_from" validate:"oneof=oldest newest"` // default newest
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	// MaxInFlight bounds unfinished exchanges across all claims.
	MaxInFlight int64 `koanf:"max_in_flight" validate:"gte=1"`
	// MaxPending bounds unfinished exchanges per partition.
	MaxPending int64    `koanf:"max_pending" validate:"gte=1"`
	Cache      CacheCfg `koanf:"cache"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `TIDEMARK_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadFile(path, EnvPrefix, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		return cfg, fmt.Errorf("kafka source: %w", err)
	}
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 30_000
	}
	if c.MaxPending == 0 {
		c.MaxPending = resume.DefaultCapacity
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = resume.DefaultCacheCapacity
	}
}
