package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/optionperps/engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := newLogger(config.LoggingConfig{Level: "warn"}, &buf)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("position liquidated", "position_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if rec["msg"] != "position liquidated" || rec["position_id"] != float64(7) {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_WritesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger, closer := newLogger(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)

	logger.Info("deposit", "account", "lp")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"deposit"`) {
		t.Errorf("file missing record: %s", data)
	}
	if !strings.Contains(buf.String(), `"account":"lp"`) {
		t.Errorf("stdout missing record: %s", buf.String())
	}
}
