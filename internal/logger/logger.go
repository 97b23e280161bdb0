// Package logger wires zap the way the rest of this module expects: a
// package-level default for convenience callers plus a constructor
// (New, which the CLI uses) that gives each caller its own independent
// instance.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the LoggingConfig block of the Configuration section.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

var (
	defaultLogger *zap.Logger
	defaultSugar  *zap.SugaredLogger
)

// New builds a *zap.Logger from Config. It never returns a nil logger;
// a build failure falls back to zap.NewNop() so that logging can never
// be the reason a caller fails to construct a pipeline.
func New(cfg Config) *zap.Logger {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case "fatal":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.FatalLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	switch cfg.OutputPath {
	case "", "stdout":
		// defaults already point at stdout/stderr
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{cfg.OutputPath}
		zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Initialize sets the package-level default logger, for callers that
// don't want to thread a logger everywhere.
func Initialize(cfg Config) *zap.Logger {
	defaultLogger = New(cfg)
	defaultSugar = defaultLogger.Sugar()
	return defaultLogger
}

// Get returns the package-level logger, building a sane default the
// first time it's called without Initialize.
func Get() *zap.Logger {
	if defaultLogger == nil {
		defaultLogger = New(Config{Level: "info", Format: "console"})
		defaultSugar = defaultLogger.Sugar()
	}
	return defaultLogger
}

// GetSugar returns the package-level sugared logger.
func GetSugar() *zap.SugaredLogger {
	if defaultSugar == nil {
		Get()
	}
	return defaultSugar
}
