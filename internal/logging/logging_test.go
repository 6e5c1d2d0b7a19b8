package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_Formats(t *testing.T) {
	var text, js bytes.Buffer
	NewWithWriter(slog.LevelInfo, "text", &text).Info("slice claimed", "slice", "C01_none_gsm8k")
	NewWithWriter(slog.LevelInfo, "JSON", &js).Info("slice claimed", "slice", "C01_none_gsm8k")

	if !strings.Contains(text.String(), "slice=C01_none_gsm8k") {
		t.Errorf("text output missing attribute: %s", text.String())
	}
	if !strings.Contains(js.String(), `"slice":"C01_none_gsm8k"`) {
		t.Errorf("json output missing attribute: %s", js.String())
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("push rejected")

	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "push rejected") {
		t.Errorf("WARN message missing, got: %s", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter(slog.LevelDebug, "text", &buf), "scheduler").Debug("dispatch", "request_id", 3)
	if !strings.Contains(buf.String(), "component=scheduler") || !strings.Contains(buf.String(), "request_id=3") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	// nil logger must not panic
	Component(nil, "store").Info("ignored")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
