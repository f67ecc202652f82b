package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewWithOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oagw.log")
	l, err := NewWithOptions(Options{Level: "info", Output: path})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	l.Info("proxied", zap.String("alias", "api.example.com"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"alias":"api.example.com"`) {
		t.Errorf("log line missing alias field: %s", line)
	}
	if !strings.Contains(line, `"timestamp"`) {
		t.Errorf("log line missing timestamp key: %s", line)
	}
}

func TestGlobalHelpers(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("filtered")
	Info("info msg")
	Warn("warn msg")
	With(zap.String("component", "ratelimit")).Error("error msg")

	entries := obs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].ContextMap()["component"] != "ratelimit" {
		t.Errorf("expected component field on child logger entry, got %v", entries[2].ContextMap())
	}
}
