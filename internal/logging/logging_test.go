package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" WARN ": slog.LevelWarn,
		"error":  slog.LevelError,
		"":       slog.LevelInfo,
		"bogus":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigure_JSONComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", JSON: true, Writer: &buf})
	defer Configure(Options{})

	Component("resume").Debug("offset stored", "key", "orders/0")
	out := buf.String()
	if !strings.Contains(out, `"component":"resume"`) || !strings.Contains(out, `"key":"orders/0"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}
