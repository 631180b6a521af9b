// Package logging provides the shared structured logger for the router core.
//
// All packages log through the package-level helpers (Debugf, Infof, Warnf,
// Errorf) so the backing zap logger can be swapped or silenced in one place,
// including from tests.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := newLogger("info")
	if err != nil {
		l = zap.NewNop().Sugar()
	}
	logger.Store(l)
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Init reconfigures the global logger with the given level
// ("debug", "info", "warn", "error"). Safe to call concurrently with logging.
func Init(level string) error {
	l, err := newLogger(level)
	if err != nil {
		return err
	}
	if old := logger.Swap(l); old != nil {
		_ = old.Sync()
	}
	return nil
}

// SetLogger replaces the global logger. Intended for tests.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger.Store(l)
	}
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) {
	logger.Load().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	logger.Load().Infof(format, args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) {
	logger.Load().Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	logger.Load().Errorf(format, args...)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = logger.Load().Sync()
}
