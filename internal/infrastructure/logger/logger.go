package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger construction options.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// NewLogger builds a zap logger from config.
func NewLogger(cfg Config) (*zap.Logger, error) {
	logger, _, err := NewLoggerWithLevel(cfg)
	return logger, err
}

// NewLoggerWithLevel builds a zap logger and returns the atomic level handle
// so the level can be adjusted at runtime (config hot reload).
func NewLoggerWithLevel(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	config := zap.Config{
		Level:            atomicLevel,
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{cfg.OutputPath},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	return logger, atomicLevel, err
}
