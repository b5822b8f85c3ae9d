package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the leveled, structured logger every scheduler component takes.
// *zap.Logger satisfies it directly.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field = zap.Field

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return zap.Any(key, value)
}

var _ Logger = (*zap.Logger)(nil)

// NewDefaultLogger returns a production zap logger writing JSON to stderr.
func NewDefaultLogger() *zap.Logger {
	logger, err := NewLogger("info", false)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewLogger builds a zap logger at the given level. Development mode switches
// to the console encoder.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// NewNoOpLogger returns a logger that discards everything.
func NewNoOpLogger() *zap.Logger {
	return zap.NewNop()
}

// LoggerOrNop substitutes a no-op logger for nil.
func LoggerOrNop(l Logger) Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
