package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEV", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"prod", slog.LevelError},
		{"nonsense", slog.LevelError},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPionFactoryWritesScopedRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := NewPionFactory(logger).NewLogger("ice")
	l.Infof("selected pair %d", 7)
	l.Debugf("hidden %s", "detail")

	out := buf.String()
	if !strings.Contains(out, "selected pair 7") {
		t.Errorf("output %q missing info record", out)
	}
	if !strings.Contains(out, "scope=ice") {
		t.Errorf("output %q missing scope attribute", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("output %q contains debug record below level", out)
	}
}
