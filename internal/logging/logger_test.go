package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := ParseLevel(input); got != expected {
			testContext.Errorf("ParseLevel(%q) = %s, want %s", input, got, expected)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("warn", format)
		if err != nil {
			testContext.Fatalf("unexpected error for %s: %v", format, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			testContext.Fatalf("%s logger should not enable info at warn level", format)
		}
		if !logger.Core().Enabled(zapcore.WarnLevel) {
			testContext.Fatalf("%s logger should enable warn", format)
		}
	}
}
