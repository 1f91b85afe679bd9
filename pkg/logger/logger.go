// Package logger builds the process-wide zap logger used by the pagekv
// binaries. Library packages take a *zap.Logger and never build their own.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr". Defaults to stdout.
	OutputFile string `yaml:"output_file"`
	// Sampling thins repeated entries under load.
	Sampling bool `yaml:"sampling"`
}

// New builds a logger tagged with service=pagekv. Unknown levels and
// formats are errors, as is an output file that cannot be opened.
func New(config Config) (*zap.Logger, error) {
	zc, err := config.zapConfig()
	if err != nil {
		return nil, err
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func (c Config) zapConfig() (zap.Config, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.InitialFields = map[string]any{"service": "pagekv"}
	if !c.Sampling {
		zc.Sampling = nil
	}

	if c.Level != "" {
		if err := zc.Level.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
			return zc, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}

	switch f := strings.ToLower(c.Format); f {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
	default:
		return zc, fmt.Errorf("invalid log format %q", c.Format)
	}

	out := c.OutputFile
	if out == "" {
		out = "stdout"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc, nil
}
