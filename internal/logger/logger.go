// Package logger builds the process zap logger.
package logger

import (
	"strings"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    string = "json"
	FormatConsole string = "console"
)

// Logger hands out named children of one base logger.
type Logger struct {
	base *zap.Logger
}

// New builds a logger for level (debug, info, warn, error) and format (json, console).
func New(level, format string) (*Logger, error) {
	const op = errors.Op("logger_new")

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, errors.E(op, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	case FormatJSON, "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, errors.E(op, errors.Errorf("unknown log format %s", format))
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &Logger{base: l}, nil
}

// Wrap uses an existing zap logger.
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{base: l}
}

func (l *Logger) NamedLogger(name string) *zap.Logger {
	return l.base.Named(name)
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}
