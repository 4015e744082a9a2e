package logging

import (
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// FilterMessage returns the observed entries at the given level whose message equals msg. Handy for
// asserting on diagnostics emitted by code under test.
func FilterMessage(logs *observer.ObservedLogs, level zapcore.Level, msg string) []observer.LoggedEntry {
	return logs.FilterLevelExact(level).FilterMessage(msg).All()
}
