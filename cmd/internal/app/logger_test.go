package app

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zapcore.Level
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: "INFO", want: zapcore.InfoLevel},
		{in: "warn", want: zapcore.WarnLevel},
		{in: "warning", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "unknown", want: zapcore.InfoLevel},
		{in: "", want: zapcore.InfoLevel},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		if !log.Desugar().Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("format %q: debug not enabled", format)
		}
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
