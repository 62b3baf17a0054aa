package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", false).Info("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	newLogger(&buf, "warn", false).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record logged at warn level: %q", buf.String())
	}
}

func TestNewProtocolLogger_QuietByDefault(t *testing.T) {
	var buf bytes.Buffer
	zl := newProtocolLogger(&buf, "info", false)
	zl.Info().Msg("noise")
	if buf.Len() != 0 {
		t.Errorf("protocol info logged: %q", buf.String())
	}
	zl.Warn().Msg("keepalive failed")
	if !strings.Contains(buf.String(), `"component":"whatsmeow"`) {
		t.Errorf("protocol warning = %q", buf.String())
	}
}

func TestSessionClear(t *testing.T) {
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "sessions", "shop")
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SESSION_DIR", filepath.Join(dir, "sessions"))
	t.Setenv("CLIENT_ID", "shop")
	t.Setenv("PORT", "")

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"session", "clear"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("session clear: %v", err)
	}
	if _, err := os.Stat(sessionDir); !os.IsNotExist(err) {
		t.Errorf("session directory still exists")
	}
	if !strings.Contains(out.String(), "Session shop cleared") {
		t.Errorf("output = %q", out.String())
	}
}
