package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies that parseLogLevel correctly parses log level
// strings from environment variables, handling case-insensitivity and whitespace.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.env)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("test message")
	_ = logger.Sync()
}

func TestLoggerFrom(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	scoped := zap.New(core).With(zap.String("correlation_id", "abc"))
	fallback := zap.NewNop()

	ctx := WithLogger(context.Background(), scoped)
	LoggerFrom(ctx, fallback).Info("scoped")
	if logs.Len() != 1 || logs.All()[0].ContextMap()["correlation_id"] != "abc" {
		t.Errorf("LoggerFrom() did not return the scoped logger")
	}

	if LoggerFrom(context.Background(), fallback) != fallback {
		t.Error("LoggerFrom() without scoped logger should return fallback")
	}
	if LoggerFrom(context.Background(), nil) == nil {
		t.Error("LoggerFrom() must never return nil")
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID() = %q, want empty", got)
	}
	ctx := WithCorrelationID(context.Background(), "req-1")
	if got := CorrelationID(ctx); got != "req-1" {
		t.Errorf("CorrelationID() = %q, want req-1", got)
	}
}
