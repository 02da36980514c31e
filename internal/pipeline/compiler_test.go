package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tidemark/internal/exchange"
	"tidemark/internal/resume"
	"tidemark/sink"
	"tidemark/source"
)

type record struct {
	id  string
	off int64
}

var (
	testMu      sync.Mutex
	testRecords []record
	lastSink    *captureSink
)

// listSource emits testRecords on a single key, skipping those at or
// below the restored offset.
type listSource struct {
	cache *resume.Cache
}

func (s *listSource) Configure(any) error {
	s.cache = resume.NewCache(10, resume.FillMaximizing)
	return nil
}

func (s *listSource) ResumeAdapter() resume.Adapter { return s }

func (s *listSource) Restore(off resume.Offset) bool { return s.cache.Restore(off) }

func (s *listSource) Resume(context.Context) error { return nil }

func (s *listSource) Run(ctx context.Context, emit source.EmitFunc) error {
	var from int64 = -1
	if off, ok := s.cache.Get("list/0"); ok {
		from, _ = off.Int64()
	}
	testMu.Lock()
	recs := append([]record(nil), testRecords...)
	testMu.Unlock()
	for _, rec := range recs {
		if rec.off <= from {
			continue
		}
		ex := exchange.New(nil, []byte(rec.id))
		ex.SetHeader("id", rec.id)
		resume.Attach(ex, resume.IntOffset("list/0", rec.off))
		if err := emit(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (s *listSource) Close() error { return nil }

func init() {
	source.Register("list", func() source.Adapter { return &listSource{} })
	sink.Register("capture", func() sink.Adapter {
		cs := &captureSink{}
		testMu.Lock()
		lastSink = cs
		testMu.Unlock()
		return cs
	})
}

func runOnce(t *testing.T, path string) []string {
	t.Helper()
	ctx := context.Background()
	r, err := Compile(ctx, path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source never finished")
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	testMu.Lock()
	cs := lastSink
	testMu.Unlock()
	var bodies []string
	for _, ex := range cs.pushed {
		bodies = append(bodies, string(ex.Body))
	}
	return bodies
}

func TestCompile_ResumesFromStoredOffsetAndDropsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yml")
	pipe := `schema_version: v1
source: { kind: list }
resume:
  strategy: sql
  sql: { dialect: sqlite, dsn: offsets.db }
idempotent:
  repository: memory
  message_id: header:id
sinks:
  - kind: capture
`
	if err := os.WriteFile(path, []byte(pipe), 0o644); err != nil {
		t.Fatal(err)
	}

	testMu.Lock()
	testRecords = []record{{"a", 1}, {"b", 2}, {"a", 3}}
	testMu.Unlock()
	got := runOnce(t, path)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("first run delivered %v, want [a b]", got)
	}

	testMu.Lock()
	testRecords = append(testRecords, record{"c", 4})
	testMu.Unlock()
	got = runOnce(t, path)
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("second run delivered %v, want [c]", got)
	}
}

func TestBuild_RejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yml")
	pipe := "source: { kind: list }\nresume: { strategy: bogus }\nsinks: [{ kind: capture }]\n"
	if err := os.WriteFile(path, []byte(pipe), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Compile(context.Background(), path); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}

func TestBuild_RequiresMessageID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yml")
	pipe := "source: { kind: list }\nidempotent: { repository: memory }\nsinks: [{ kind: capture }]\n"
	if err := os.WriteFile(path, []byte(pipe), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Compile(context.Background(), path); err == nil {
		t.Fatal("expected message_id error")
	}
}
