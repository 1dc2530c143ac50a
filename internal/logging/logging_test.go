package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meow-stack/recipe-engine/internal/config"
)

func TestNewFromConfig_DefaultsToStderr(t *testing.T) {
	cfg := config.Default()

	logger, closer, err := NewFromConfig(cfg, "/tmp")
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer != nil {
		t.Error("Expected no closer when no file configured")
	}
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewFromConfig_WritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogsDir = filepath.Join(dir, "nested", "logs")
	cfg.Logging.File = "engine.log"
	cfg.Logging.Format = config.LogFormatJSON

	logger, closer, err := NewFromConfig(cfg, dir)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer == nil {
		t.Fatal("Expected closer for file log")
	}

	logger.Info("test message", "key", "value")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "nested", "logs", "engine.log"))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("Log file does not contain expected message: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LogFormatJSON, &buf, slog.LevelInfo))
	logger.Info("hello", "n", 1)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("JSON handler output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}

	buf.Reset()
	logger = slog.New(newHandler(config.LogFormatText, &buf, slog.LevelInfo))
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text handler output = %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	logger := WithStep(WithSession(WithRecipe(base, "demo", "1.0.0"), "s-1"), "build", "bash")
	logger.Info("x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for key, want := range map[string]string{
		"recipe":         "demo",
		"recipe_version": "1.0.0",
		"session_id":     "s-1",
		"step_id":        "build",
		"kind":           "bash",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) should return a logger")
	}
	l := NewForTest()
	if OrDiscard(l) != l {
		t.Error("OrDiscard should return the given logger")
	}
}
