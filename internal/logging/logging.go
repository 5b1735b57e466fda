// Package logging builds the zap.Logger shared by every component of the
// cache. It mirrors the construction style used across the rest of this
// codebase's services: a small config struct, JSON encoding in production,
// console encoding in development, and a handful of static fields stamped
// onto every line.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the logger is built. It is intentionally small: the
// cache package does not own log shipping, rotation, or sampling policy,
// only the decision between a human-readable and a machine-readable encoder.
type Config struct {
	// Development switches to console encoding with caller/stacktrace info
	// on warn+, matching zap's NewDevelopment default.
	Development bool
	// Level is the minimum enabled level ("debug", "info", "warn", "error").
	// Empty defaults to "info".
	Level string
	// Component is stamped onto every line as the "component" field.
	Component string
}

// New builds a *zap.Logger from cfg. Callers in library code should hold on
// to the returned logger and pass it explicitly to constructors; it is not
// installed as the global logger. The cachebench CLI harness is the only
// place in this module that also calls zap.ReplaceGlobals.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	if cfg.Component != "" {
		logger = logger.With(zap.String("component", cfg.Component))
	}
	return logger, nil
}

// Nop returns a logger that discards everything, for callers (mostly tests)
// that do not care to assert on log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
