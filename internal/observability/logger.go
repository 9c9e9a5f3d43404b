// Package observability builds the structured logger used across mailpool.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects level, encoding and destination.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" mapstructure:"level"`

	// Format is json or console.
	Format string `json:"format" mapstructure:"format"`

	// Output is stdout, stderr or a file path.
	Output string `json:"output" mapstructure:"output"`

	// Service is attached to every entry.
	Service string `json:"service" mapstructure:"service"`
}

// NewLogger creates a zap logger from cfg.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(defaultString(cfg.Format, "json")) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	output := defaultString(cfg.Output, "stderr")
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Sampling = nil

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// CLILogger returns a console logger for command-line use.
func CLILogger(verbose bool) *zap.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(LogConfig{Level: level, Format: "console", Output: "stderr"})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
