package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	return path
}

func TestLoadPipelineSpec_ResolvesRelativePaths(t *testing.T) {
	path := writePipeline(t, `schema_version: v1
source:
  kind: kafka
  config: kafka_source.yml
resume:
  strategy: sql
  ordered: true
  commit_interval: 2s
  sql: { dialect: sqlite, dsn: state/offsets.db }
idempotent:
  repository: sql
  message_id: header:id
  sql: { dialect: sqlite, dsn: ":memory:", lock_max_age: 30s }
sinks:
  - kind: stdout
  - kind: nats
    config: /etc/tidemark/nats.yml
`)
	dir := filepath.Dir(path)

	cfg, err := LoadPipelineSpec(path)
	if err != nil {
		t.Fatalf("LoadPipelineSpec: %v", err)
	}
	if cfg.SchemaVersion != SupportedSchema {
		t.Fatalf("want schema %s, got %s", SupportedSchema, cfg.SchemaVersion)
	}
	if cfg.Source.Config != filepath.Join(dir, "kafka_source.yml") {
		t.Fatalf("source config = %q", cfg.Source.Config)
	}
	if cfg.Resume.SQL.DSN != filepath.Join(dir, "state/offsets.db") {
		t.Fatalf("resume dsn = %q", cfg.Resume.SQL.DSN)
	}
	if cfg.Idempotent.SQL.DSN != ":memory:" || cfg.Idempotent.SQL.LockMaxAge != 30*time.Second {
		t.Fatalf("idempotent sql = %+v", cfg.Idempotent.SQL)
	}
	if cfg.Resume.CommitInterval != 2*time.Second || !cfg.Resume.Ordered {
		t.Fatalf("resume = %+v", cfg.Resume)
	}
	if cfg.Sinks[0].Config != "" || cfg.Sinks[1].Config != "/etc/tidemark/nats.yml" {
		t.Fatalf("sinks = %+v", cfg.Sinks)
	}
}

func TestLoadPipelineSpec_InvalidSchema(t *testing.T) {
	path := writePipeline(t, `schema_version: v999
source: { kind: kafka, config: cf.yml }
sinks: [{ kind: stdout }]
`)
	if _, err := LoadPipelineSpec(path); err == nil {
		t.Fatal("expected error for invalid schema_version")
	}
}

func TestLoadPipelineSpec_RequiresSink(t *testing.T) {
	path := writePipeline(t, "source: { kind: file }\n")
	if _, err := LoadPipelineSpec(path); err == nil {
		t.Fatal("expected error without sinks")
	}
}
