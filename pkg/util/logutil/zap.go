package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// Debugging reports whether logger emits debug entries, letting hot paths
// skip building their fields.
func Debugging(logger *zap.Logger) bool {
	return logger.Core().Enabled(zapcore.DebugLevel)
}
