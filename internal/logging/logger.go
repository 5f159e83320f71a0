// Package logging holds the process-wide logger. The gateway installs it
// once at startup; hot paths read it through an atomic pointer, the same
// snapshot-swap shape the registry and route table use.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	global.Store(l)
}

// New builds the gateway logger at the configured level. An unparseable
// level falls back to info rather than failing startup.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// The package-level helpers add one frame on top of zap's own.
	return cfg.Build(zap.AddCallerSkip(1))
}

// Global returns the current process logger.
func Global() *zap.Logger {
	return global.Load()
}

// SetGlobal installs l as the process logger.
func SetGlobal(l *zap.Logger) {
	global.Store(l)
}

// Debug logs at debug level using the process logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Info logs at info level using the process logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the process logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the process logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}
