// Package log builds the zap loggers used across the module and carries request
// correlation ids through contexts.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ConsoleEncoder logs plain text.
	ConsoleEncoder = "console"
	// JSONEncoder logs one JSON object per line.
	JSONEncoder = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// Config holds the logging level for each module.
type Config struct {
	Encoder string `mapstructure:"log-encoder"`
	Level   string `mapstructure:"level"`
	// Modules overrides Level for the named loggers, e.g. "jsonrpc" or "treerpc".
	Modules map[string]string `mapstructure:"modules"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Encoder: ConsoleEncoder,
		Level:   zapcore.InfoLevel.String(),
		Modules: map[string]string{},
	}
}

// LevelFor returns the level configured for the module.
func (c Config) LevelFor(module string) (zapcore.Level, error) {
	raw := c.Level
	if lvl, ok := c.Modules[module]; ok && lvl != "" {
		raw = lvl
	}
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("module %q: invalid log level %q: %w", module, raw, err)
	}
	return lvl, nil
}

func (c Config) encoder() (zapcore.Encoder, error) {
	switch c.Encoder {
	case "", ConsoleEncoder:
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), nil
	case JSONEncoder:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	default:
		return nil, fmt.Errorf("unknown log encoder %q", c.Encoder)
	}
}

// New creates a named logger for the module using the level configured for it.
func New(cfg Config, module string) (*zap.Logger, error) {
	return NewWithWriter(cfg, module, logWriter)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg Config, module string, w io.Writer) (*zap.Logger, error) {
	lvl, err := cfg.LevelFor(module)
	if err != nil {
		return nil, err
	}
	enc, err := cfg.encoder()
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	return zap.New(core).Named(module), nil
}

// NewNop creates silent logger.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
