package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// NewLogger returns the process logger. SAMPLER_DEBUG=true switches to the
// human readable development encoder.
func NewLogger() *zap.SugaredLogger {
	var config zap.Config
	if debugMode, ok := os.LookupEnv("SAMPLER_DEBUG"); ok && debugMode == "true" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.OutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger.Named("searchsampler").Sugar()
}

// Nop returns a logger that discards everything
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type loggerKey struct{}

// WithLogger returns a copy of parent in which the logger key holds logger
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger in ctx, or a new process logger
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return NewLogger()
}
