// Package logging defines the structured logging interface shared by the
// queue, scheduler, and backtester packages, plus a zap-backed default
// implementation.
package logging

import "go.uber.org/zap"

// Logger is a minimal structured logging interface, compatible with slog,
// zap's SugaredLogger, logrus, and similar. All core components log through
// this interface so callers can plug in their own implementation.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap wraps a *zap.Logger as a Logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

// NewProduction builds a Logger backed by zap's production configuration.
// Falls back to zap's no-op logger if construction fails.
func NewProduction() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return NewZap(l)
}

// NewNop returns a Logger that discards everything; useful as a default
// when a caller doesn't provide one.
func NewNop() Logger {
	return NewZap(zap.NewNop())
}

func (z *zapLogger) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
