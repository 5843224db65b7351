// Package clog adapts go.uber.org/zap to the narrow logging surface
// (three leveled printf-style methods plus Named) this codebase's
// components depend on, so package code never imports zap directly —
// only clog.Logger.
package clog

import (
	"go.uber.org/zap"
)

// Logger is the logging surface every component takes a reference to. It
// deliberately exposes nothing beyond printf-style leveled logging: no
// structured fields. The only derived logger is the name-prefixed one
// Named returns.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Named(name string) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger backed by zap. debug controls whether Debugf output
// is actually emitted.
func New(debug bool) (Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar()}, nil
}

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
func (l *zapLogger) Named(name string) Logger                  { return &zapLogger{s: l.s.Named(name)} }

// Nop is a Logger that discards everything, used as the default so
// components never have to nil-check their logger, matching the teacher's
// NullLogger convention.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Named(string) Logger           { return Nop }
