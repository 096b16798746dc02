package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/imap-backup/config"
)

func TestSetupLogger_LogDir(t *testing.T) {
	dir := t.TempDir()
	logger, cleanup, err := setupLogger(config.Config{LogLevel: "debug", LogFormat: "text", LogDir: dir})
	if err != nil {
		t.Fatalf("setupLogger() error = %v", err)
	}
	logger.Debug("hello from test", "folder", "INBOX")
	if err := cleanup(); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "imap-backup-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("log files = %v, %v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from test") || !strings.Contains(string(data), "folder=INBOX") {
		t.Errorf("log file = %q", data)
	}
}

func TestSetupLogger_Level(t *testing.T) {
	logger, cleanup, err := setupLogger(config.Config{LogLevel: "warn", LogFormat: "text"})
	if err != nil {
		t.Fatalf("setupLogger() error = %v", err)
	}
	defer cleanup()

	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler("json", &buf, &slog.HandlerOptions{}))
	logger.Info("archived message", "path", "alice/INBOX/a.eml")

	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"path":"alice/INBOX/a.eml"`) {
		t.Errorf("json output = %q", buf.String())
	}
}

func TestNewHandler_Dev(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler("dev", &buf, &slog.HandlerOptions{}))
	logger.Info("dev handler message")

	if !strings.Contains(buf.String(), "dev handler message") {
		t.Errorf("dev output = %q", buf.String())
	}
}
