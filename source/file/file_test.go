package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tidemark/internal/exchange"
	"tidemark/internal/resume"
)

type collector struct {
	mu    sync.Mutex
	lines []string
	offs  []string
}

func (c *collector) emit(_ context.Context, ex *exchange.Exchange) error {
	off, _ := resume.From(ex)
	c.mu.Lock()
	c.lines = append(c.lines, string(ex.Body))
	c.offs = append(c.offs, off.Value)
	c.mu.Unlock()
	ex.Release()
	return nil
}

func (c *collector) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...), append([]string(nil), c.offs...)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.log")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_EmitsLinesWithByteOffsets(t *testing.T) {
	path := writeFile(t, "alpha\nbeta\r\ngamma")
	s := &Source{}
	if err := s.Configure(Config{Path: path}); err != nil {
		t.Fatal(err)
	}
	c := &collector{}
	if err := s.Run(context.Background(), c.emit); err != nil {
		t.Fatal(err)
	}
	lines, offs := c.snapshot()
	want := []string{"alpha", "beta", "gamma"}
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if offs[0] != "6" || offs[1] != "12" || offs[2] != "17" {
		t.Fatalf("offsets = %v", offs)
	}
}

func TestRun_ResumesAfterRestoredPosition(t *testing.T) {
	path := writeFile(t, "one\ntwo\nthree\n")
	s := &Source{}
	if err := s.Configure(Config{Path: path}); err != nil {
		t.Fatal(err)
	}
	resume.Restore(s.ResumeAdapter(), []resume.Offset{resume.IntOffset(s.OffsetKey(), 4)})

	c := &collector{}
	if err := s.Run(context.Background(), c.emit); err != nil {
		t.Fatal(err)
	}
	lines, _ := c.snapshot()
	if len(lines) != 2 || lines[0] != "two" {
		t.Fatalf("lines = %q, want [two three]", lines)
	}
}

func TestRun_TruncatedFileStartsOver(t *testing.T) {
	path := writeFile(t, "a\n")
	s := &Source{}
	_ = s.Configure(Config{Path: path})
	resume.Restore(s.ResumeAdapter(), []resume.Offset{resume.IntOffset(s.OffsetKey(), 500)})
	c := &collector{}
	_ = s.Run(context.Background(), c.emit)
	if lines, _ := c.snapshot(); len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
}

func TestRun_FollowPicksUpAppends(t *testing.T) {
	path := writeFile(t, "first\n")
	s := &Source{}
	_ = s.Configure(Config{Path: path, Follow: true, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, c.emit) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("sec")
	time.Sleep(20 * time.Millisecond)
	_, _ = f.WriteString("ond\n")
	_ = f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines, _ := c.snapshot(); len(lines) == 2 {
			if lines[1] != "second" {
				t.Fatalf("appended line = %q", lines[1])
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatal(err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("appended line never emitted")
}

func TestConfigure_RequiresPath(t *testing.T) {
	if err := (&Source{}).Configure(Config{}); err == nil {
		t.Fatal("expected validation error")
	}
}
