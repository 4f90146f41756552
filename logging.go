package reftable

import "go.uber.org/zap"

// Logger is the diagnostic logging sink used by Reader, Writer and
// Stack. It mirrors the subset of zap.SugaredLogger that this package
// needs, so a *zap.SugaredLogger satisfies it directly.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...interface{}) {}
func (nopLogger) Warnw(string, ...interface{})  {}
func (nopLogger) Errorw(string, ...interface{}) {}

// NopLogger is a Logger that discards everything. It is the default
// used by Options/WriterOptions when no Logger is supplied.
var NopLogger Logger = nopLogger{}

// NewZapLogger adapts a *zap.Logger into a Logger, for callers that
// already run a zap-based logging pipeline (e.g. cmd/reftable-dump).
func NewZapLogger(l *zap.Logger) Logger {
	return l.Sugar()
}
