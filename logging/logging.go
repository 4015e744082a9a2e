// Package logging provides the structured logger used by every orbslam component.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewLoggerConfig returns the console configuration used by NewLogger: colored levels, ISO8601
// times, short callers and no stacktraces.
func NewLoggerConfig() zap.Config {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(INFO)
	config.Development = false
	config.DisableStacktrace = true
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.FunctionKey = zapcore.OmitKey
	return config
}

// NewLogger returns a logger writing Info and above to stdout.
func NewLogger(name string) Logger {
	return newAtLevel(name, INFO)
}

// NewDebugLogger returns a logger writing Debug and above to stdout.
func NewDebugLogger(name string) Logger {
	return newAtLevel(name, DEBUG)
}

// NewBlankLogger returns a logger that discards everything.
func NewBlankLogger(name string) Logger {
	return &impl{name: name, level: zap.NewAtomicLevelAt(DEBUG), sugar: zap.NewNop().Sugar()}
}

// newAtLevel skips the impl frame so entries report the real call site.
func newAtLevel(name string, level Level) Logger {
	config := NewLoggerConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	return &impl{
		name:  name,
		level: config.Level,
		sugar: zap.Must(config.Build(zap.AddCallerSkip(1))).Sugar().Named(name),
	}
}

// NewTestLogger returns a logger that writes through tb.Log.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is NewTestLogger that also records every entry for assertions.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	level := zap.NewAtomicLevelAt(DEBUG)
	observed, logs := observer.New(level)
	core := zapcore.NewTee(zaptest.NewLogger(tb, zaptest.Level(level)).Core(), observed)
	return &impl{level: level, sugar: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()}, logs
}
