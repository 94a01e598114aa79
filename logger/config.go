package logger

import (
	"go.uber.org/zap/zapcore"
)

// Config configures the process logger.
type Config struct {
	Format string        `toml:"format" mapstructure:"format"`
	Level  zapcore.Level `toml:"level" mapstructure:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}
