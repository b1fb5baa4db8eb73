package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging facade used across the codebase. It is a thin
// structured-logging contract so packages never depend on zap directly.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Info(args ...interface{})
	Error(args ...interface{})

	Sync() error
}

type zapLogger struct {
	*zap.SugaredLogger
}

// LoggerOption configures the application logger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    zapcore.Level
	filePath string
	maxSize  int // megabytes
	maxAge   int // days
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLevel(level string) LoggerOption {
	return func(c *loggerConfig) {
		if l, err := zapcore.ParseLevel(level); err == nil {
			c.level = l
		}
	}
}

// WithRollingFile writes logs to a size-rotated file in addition to stderr.
func WithRollingFile(path string, maxSizeMB, maxAgeDays int) LoggerOption {
	return func(c *loggerConfig) {
		c.filePath = path
		c.maxSize = maxSizeMB
		c.maxAge = maxAgeDays
	}
}

// NewApplicationLogger builds the process-wide logger. Console output goes to
// stderr; an optional rolling file sink is added via WithRollingFile.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{
		level:   zapcore.InfoLevel,
		maxSize: 100,
		maxAge:  7,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), cfg.level),
	}
	if cfg.filePath != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename: cfg.filePath,
			MaxSize:  cfg.maxSize,
			MaxAge:   cfg.maxAge,
			Compress: true,
		})
		cores = append(cores, zapcore.NewCore(encoder, sink, cfg.level))
	}

	base := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{base.Sugar()}, nil
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}
