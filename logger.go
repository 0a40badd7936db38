package main

import (
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Logger is the structured, leveled logging surface shared by every server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger builds a zap-backed Logger. env is "production" or "development".
func NewLogger(env, level string) (Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(env) {
	case "", "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("invalid log environment %q; must be 'production' or 'development'", env)
	}

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, errors.Errorf("invalid log level %q; must be 'debug', 'info', 'warn', or 'error'", level)
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return &zapLogger{sugar: l.Sugar()}, nil
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.sugar.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.sugar.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.sugar.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Error(msg string, keysAndValues ...any) {
	z.sugar.Errorw(msg, keysAndValues...)
}

// syncLogger flushes buffered entries. EINVAL from syncing a terminal is not an error.
func syncLogger(l Logger) error {
	z, ok := l.(*zapLogger)
	if !ok {
		return nil
	}
	if err := z.sugar.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// maskAPIKey keeps the first 8 characters of a key for the startup log.
func maskAPIKey(key string) string {
	const visible = 8
	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}
	return key[:visible]
}
