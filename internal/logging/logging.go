// Package logging builds the process logger and adapts it to the
// func(level, msg string) callbacks that library packages accept.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels understood by LogFn callbacks.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// New returns a console logger. Debug lowers the level to debug and adds
// caller information.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil

	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	} else {
		cfg.DisableCaller = true
	}
	return cfg.Build()
}

// LogFn adapts a zap logger to a level/message callback. Unknown levels
// are logged at info.
func LogFn(l *zap.Logger) func(level, msg string) {
	l = l.WithOptions(zap.AddCallerSkip(1))
	return func(level, msg string) {
		switch level {
		case LevelDebug:
			l.Debug(msg)
		case LevelWarning:
			l.Warn(msg)
		case LevelError:
			l.Error(msg)
		case LevelSuccess:
			l.Info(msg, zap.Bool("success", true))
		default:
			l.Info(msg)
		}
	}
}

// Named returns a LogFn for a component, tagging every line with its name.
func Named(l *zap.Logger, component string) func(level, msg string) {
	return LogFn(l.Named(component))
}
