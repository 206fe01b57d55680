package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetupWriterHonoursLevel(t *testing.T) {
	logger = nil
	once = *new(sync.Once)
	t.Cleanup(func() {
		logger = nil
		once = *new(sync.Once)
	})

	var buf bytes.Buffer
	SetupWriter(&buf, "warn")

	Get().Info("dropped")
	Get().Warn("kept")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if out["msg"] != "kept" {
		t.Errorf("Expected msg 'kept', got %v", out["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func() *slog.Logger
		key   string
		want  string
	}{
		{"component", func() *slog.Logger { return WithComponent("runner") }, "component", "runner"},
		{"module", func() *slog.Logger { return WithModule("sleep") }, "module", "sleep"},
		{"transaction", func() *slog.Logger { return WithTransaction("tx-1") }, "transaction_id", "tx-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger = slog.New(slog.NewJSONHandler(&buf, nil))

			tt.build().Info("hello")

			var out map[string]any
			if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
				t.Fatalf("Failed to decode JSON: %v", err)
			}
			if out[tt.key] != tt.want {
				t.Errorf("Expected %s=%q, got %v", tt.key, tt.want, out[tt.key])
			}
			if out["msg"] != "hello" {
				t.Errorf("Expected msg 'hello', got %v", out["msg"])
			}
		})
	}
}
