package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "tidemark/sink/stdout"
	_ "tidemark/source/file"
)

func TestBootstrap_NoPipelineStopsOnCancel(t *testing.T) {
	e, err := Bootstrap(context.Background(), Config{ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestBootstrap_RunsFilePipelineToCompletion(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "events.log")
	if err := os.WriteFile(data, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file.yml"), []byte(fmt.Sprintf("path: %s\n", data)), 0o644); err != nil {
		t.Fatal(err)
	}
	pipe := `schema_version: v1
source: { kind: file, config: file.yml }
resume: { strategy: transient, ordered: true }
sinks: [{ kind: stdout }]
`
	path := filepath.Join(dir, "pipeline.yml")
	if err := os.WriteFile(path, []byte(pipe), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := Bootstrap(context.Background(), Config{PipelineYml: path, ShutdownTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop after the file was read")
	}
}
