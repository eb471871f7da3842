package log

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

type loggerKey struct{}

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defaultLogger.Store(logger)
}

// Set replaces the default logger (e.g. with a development logger)
func Set(logger *zap.Logger) {
	defaultLogger.Store(logger)
}

// Logger returns the logger attached to ctx, or the default logger
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return defaultLogger.Load()
}

// With returns a context whose logger carries the given sugared key-value pairs
func With(ctx context.Context, args ...interface{}) context.Context {
	logger := Logger(ctx).Sugar().With(args...).Desugar()
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Fatal logs the message with the default logger and exits
func Fatal(msg string, fields ...zap.Field) {
	defaultLogger.Load().Fatal(msg, fields...)
}
