package logger

import (
	"log/slog"
	"os"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetupWriter(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   *os.File
	}{
		{"stdout", Config{Output: "stdout"}, os.Stdout},
		{"default", Config{Output: ""}, os.Stdout},
		{"stderr", Config{Output: "stderr"}, os.Stderr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SetupWriter(tt.config); got != tt.want {
				t.Errorf("SetupWriter(%+v) = %v, want %v", tt.config, got, tt.want)
			}
		})
	}
}

func TestSetupWriter_FileWithoutFilenameFallsBackToStdout(t *testing.T) {
	got := SetupWriter(Config{Output: "file"})
	if got != os.Stdout {
		t.Errorf("expected fallback to os.Stdout when Filename is empty, got %v", got)
	}
}

func TestSetupWriter_File(t *testing.T) {
	dir := t.TempDir()
	w := SetupWriter(Config{Output: "file", Filename: dir + "/test.log", MaxSize: 1, MaxBackups: 1, MaxAge: 1})
	if w == os.Stdout || w == os.Stderr {
		t.Error("expected a lumberjack writer, got a plain std stream")
	}
}

func TestNew_ReturnsUsableLogger(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json", Output: "stdout"})
	if l == nil {
		t.Fatal("New returned nil")
	}
	l.Info("smoke test", "k", "v")
}
