package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level, format string
		enabled       zapcore.Level
		disabled      zapcore.Level
	}{
		{"info", "json", zapcore.InfoLevel, zapcore.DebugLevel},
		{"debug", "console", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", "", zapcore.WarnLevel, zapcore.InfoLevel},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.level+"/"+tc.format, func(t *testing.T) {
			logger, err := New(tc.level, tc.format)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			if logger.Core().Enabled(tc.disabled) {
				t.Fatalf("level %s should be disabled", tc.disabled)
			}
			if !logger.Core().Enabled(tc.enabled) {
				t.Fatalf("level %s should be enabled", tc.enabled)
			}
		})
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
