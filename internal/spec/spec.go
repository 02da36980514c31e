// Package spec holds the pipeline file schema.
package spec

import "time"

type SourceSpec struct {
	Kind   string `yaml:"kind"`
	Config string `yaml:"config"`
}

type SinkSpec struct {
	Kind   string `yaml:"kind"`
	Config string `yaml:"config"`
}

type SQLSpec struct {
	Dialect string `yaml:"dialect"` // sqlite | postgres
	DSN     string `yaml:"dsn"`
}

type RedisSpec struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type KafkaStoreSpec struct {
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	Version         string        `yaml:"version"`
	LoadIdleTimeout time.Duration `yaml:"load_idle_timeout"`
}

// ResumeSpec selects where offsets are stored and how the resumable
// processor records them. An empty Strategy disables resuming.
type ResumeSpec struct {
	Strategy       string        `yaml:"strategy"` // transient | sql | redis | kafka
	Name           string        `yaml:"name"`
	Ordered        bool          `yaml:"ordered"`
	Capacity       int64         `yaml:"capacity"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	Intermittent   bool          `yaml:"intermittent"`
	UpdateTimeout  time.Duration `yaml:"update_timeout"`

	SQL   SQLSpec        `yaml:"sql"`
	Redis RedisSpec      `yaml:"redis"`
	Kafka KafkaStoreSpec `yaml:"kafka"`
}

// IdempotentSpec configures the duplicate filter. An empty Repository
// disables it.
type IdempotentSpec struct {
	Repository      string `yaml:"repository"` // memory | sql | redis
	Name            string `yaml:"name"`
	MessageID       string `yaml:"message_id"`
	Eager           *bool  `yaml:"eager"`
	SkipDuplicate   *bool  `yaml:"skip_duplicate"`
	RemoveOnFailure *bool  `yaml:"remove_on_failure"`
	// CacheSize > 0 fronts a sql or redis repository with an LRU.
	CacheSize         int           `yaml:"cache_size"`
	MemorySize        int           `yaml:"memory_size"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	SQL struct {
		SQLSpec           `yaml:",inline"`
		LockMaxAge        time.Duration `yaml:"lock_max_age"`
		KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	} `yaml:"sql"`
	Redis struct {
		RedisSpec `yaml:",inline"`
		Expiry    time.Duration `yaml:"expiry"`
	} `yaml:"redis"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source     SourceSpec     `yaml:"source"`
	Resume     ResumeSpec     `yaml:"resume"`
	Idempotent IdempotentSpec `yaml:"idempotent"`
	Sinks      []SinkSpec     `yaml:"sinks"`
}
