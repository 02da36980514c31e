package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Brokers []string      `koanf:"brokers" validate:"required,min=1"`
	GroupID string        `koanf:"group_id" validate:"required"`
	Wait    time.Duration `koanf:"wait"`
	Cache   struct {
		Capacity int `koanf:"capacity" validate:"gte=0"`
	} `koanf:"cache"`
}

func TestLoadFile_YAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.yml")
	body := "schema_version: v1\nbrokers: [a:9092]\ngroup_id: g1\nwait: 2s\ncache:\n  capacity: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TIDEMARK_TEST__GROUP_ID", "from-env")
	t.Setenv("TIDEMARK_TEST__CACHE__CAPACITY", "42")

	var s sample
	if err := LoadFile(path, "TIDEMARK_TEST__", &s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.GroupID != "from-env" || s.Cache.Capacity != 42 {
		t.Fatalf("env override not applied: %+v", s)
	}
	if len(s.Brokers) != 1 || s.Wait != 2*time.Second {
		t.Fatalf("yaml values lost: %+v", s)
	}
	if err := Validate(&s); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadFile_MissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("TIDEMARK_TEST2__GROUP_ID", "g")
	var s sample
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yml"), "TIDEMARK_TEST2__", &s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.GroupID != "g" {
		t.Fatalf("group = %q", s.GroupID)
	}
	if err := Validate(&s); err == nil {
		t.Fatal("expected validation error for missing brokers")
	}
}

func TestLoadFile_RejectsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.yml")
	_ = os.WriteFile(path, []byte("schema_version: v2\n"), 0o644)
	var s sample
	if err := LoadFile(path, "", &s); err == nil {
		t.Fatal("expected schema error")
	}
}
