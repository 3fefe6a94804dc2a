package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "processing.db" {
		t.Errorf("DB = %s %q, want sqlite %q", cfg.DBDriver, cfg.DBDSN, "processing.db")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Storage.Backend != "fs" {
		t.Errorf("Storage.Backend = %q, want fs", cfg.Storage.Backend)
	}
	if cfg.TimeoutSafetyFactor != 1 {
		t.Errorf("TimeoutSafetyFactor = %v, want 1", cfg.TimeoutSafetyFactor)
	}
	if cfg.UndownloadedGrace != 7*24*time.Hour {
		t.Errorf("UndownloadedGrace = %v, want 168h", cfg.UndownloadedGrace)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROCESSING_LISTEN_ADDR", ":9090")
	t.Setenv("PROCESSING_DB_DRIVER", "postgres")
	t.Setenv("PROCESSING_DB_DSN", "postgres://localhost/processing")
	t.Setenv("PROCESSING_LOG_LEVEL", "debug")
	t.Setenv("PROCESSING_TIMEOUT_RETRIES", "2")
	t.Setenv("PROCESSING_STORAGE_BACKEND", "s3")
	t.Setenv("PROCESSING_STORAGE_S3_ENDPOINT", "localhost:9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBDriver != "postgres" {
		t.Errorf("DBDriver = %q, want postgres", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.TimeoutRetries != 2 {
		t.Errorf("TimeoutRetries = %d, want 2", cfg.TimeoutRetries)
	}
	if cfg.Storage.S3Endpoint != "localhost:9000" || cfg.Storage.S3Bucket != "processing" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("PROCESSING_WORKDIR_ROOT=/data/workdirs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv sets the variable for the whole process
	t.Setenv("PROCESSING_WORKDIR_ROOT", "")
	os.Unsetenv("PROCESSING_WORKDIR_ROOT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkdirRoot != "/data/workdirs" {
		t.Errorf("WorkdirRoot = %q, want /data/workdirs", cfg.WorkdirRoot)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "PROCESSING_DB_DRIVER", "mysql"},
		{"s3 without endpoint", "PROCESSING_STORAGE_BACKEND", "s3"},
		{"safety factor below one", "PROCESSING_TIMEOUT_SAFETY_FACTOR", "0.5"},
		{"bad duration", "PROCESSING_MIN_TIMEOUT", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
				t.Errorf("Load with %s=%s succeeded, want error", tt.key, tt.val)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
