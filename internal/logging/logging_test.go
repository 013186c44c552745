package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range cases {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)

	l.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line written at info level")
	}

	if err := l.SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	l.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("debug line missing after level change")
	}

	if err := l.SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if l.Level() != slog.LevelDebug {
		t.Errorf("level changed by rejected name: %v", l.Level())
	}
}

func TestSetupWritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "verifyd.log")
	l, err := Setup("warn", path)
	if err != nil {
		t.Fatal(err)
	}
	slog.Info("dropped")
	slog.Warn("kept", "component", "test")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "component=test") {
		t.Errorf("unexpected log contents %q", data)
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if _, err := Setup("chatty", ""); err == nil {
		t.Error("expected error")
	}
}
