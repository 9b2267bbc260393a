package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogPath = filepath.Join(dir, "gateway.log")
	cfg.Console = false

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("gateway listening")
	logger.Sync()

	data, err := os.ReadFile(cfg.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"message":"gateway listening"`) {
		t.Errorf("log line = %s", line)
	}
	if !strings.Contains(line, `"timestamp"`) || !strings.Contains(line, `"level":"info"`) {
		t.Errorf("missing structured fields: %s", line)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "noisy"
	if _, err := New(cfg); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestNewLevelFilter(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogPath = filepath.Join(dir, "gateway.log")
	cfg.Console = false
	cfg.Level = "warn"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("filtered out")
	logger.Warn("kept")
	logger.Sync()

	data, _ := os.ReadFile(cfg.LogPath)
	if strings.Contains(string(data), "filtered out") {
		t.Error("info line passed a warn filter")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn line missing")
	}
}
