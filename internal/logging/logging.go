// Package logging builds the process logger.
// Author: momentics <momentics@gmail.com>
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the root logger together with its adjustable level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// ParseLevel maps a configuration level name onto a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return l, fmt.Errorf("logging: %w", err)
	}
	return l, nil
}

// New builds a logger writing to stderr. format is "json" or "console".
func New(level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return &Logger{Logger: l, level: cfg.Level}, nil
}

// SetLevel changes the level of the logger and all its children.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }
