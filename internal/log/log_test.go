package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", false)
	l.Info("hidden")
	l.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "key=value") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", true).Debug("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info default")
	}
	if parseLevel("error") != slog.LevelError {
		t.Fatalf("expected error level")
	}
}

func TestL(t *testing.T) {
	if L() == nil || With("a", 1) == nil {
		t.Fatalf("expected global logger")
	}
}
