package datastorex

import "go.uber.org/zap"

// Logger is the logging seam used across datastorex.
//
// It accepts simple key/value variadic pairs to keep call sites concise and
// to decouple from any particular structured-logging Field type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WrapZapLogger adapts a zap logger into the datastorex Logger interface.
// A nil logger yields a no-op logger.
func WrapZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return &nopLogger{}
	}
	return &zapLoggerAdapter{l: l.Sugar()}
}

// NewNopLogger returns a no-op logger implementing Logger.
func NewNopLogger() Logger { return &nopLogger{} }

type zapLoggerAdapter struct{ l *zap.SugaredLogger }

func (z *zapLoggerAdapter) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z *zapLoggerAdapter) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *zapLoggerAdapter) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *zapLoggerAdapter) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }

type nopLogger struct{}

func (n *nopLogger) Debug(_ string, _ ...any) {}
func (n *nopLogger) Info(_ string, _ ...any)  {}
func (n *nopLogger) Warn(_ string, _ ...any)  {}
func (n *nopLogger) Error(_ string, _ ...any) {}
