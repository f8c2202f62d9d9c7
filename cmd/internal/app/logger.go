package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the app-wide logger type.
type Logger = *zap.SugaredLogger

// NewLogger builds a structured logger writing to stdout. format is "json"
// for production or "console" for a human-readable local stream.
func NewLogger(level, format string) (*zap.SugaredLogger, error) {
	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("logger: unknown format %q", format)
	}
	zc.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	z, err := zc.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return z.Sugar(), nil
}

// parseLogLevel maps a level name to zap. Unknown names select info.
func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
