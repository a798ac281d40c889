// Package logger provides the structured logging surface used across the
// storage core. It wraps logrus the same way canonical-lxd's shared/logger
// package wraps it, so callers depend on a small interface rather than on
// logrus directly.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured logging fields.
type Ctx map[string]interface{}

// Logger is the logging interface used throughout this module.
type Logger interface {
	Debug(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	With(ctx Ctx) Logger
}

// log is the package-level logrus instance backing the default logger.
var log = logrus.StandardLogger()

type wrapper struct {
	fields logrus.Fields
}

// New returns the default Logger, backed by the standard logrus logger.
func New() Logger {
	return &wrapper{fields: logrus.Fields{}}
}

func (w *wrapper) entry() *logrus.Entry {
	return log.WithFields(w.fields)
}

func merge(ctx []Ctx) logrus.Fields {
	f := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range c {
			f[k] = v
		}
	}

	return f
}

func (w *wrapper) Debug(msg string, ctx ...Ctx) { w.entry().WithFields(merge(ctx)).Debug(msg) }
func (w *wrapper) Info(msg string, ctx ...Ctx)  { w.entry().WithFields(merge(ctx)).Info(msg) }
func (w *wrapper) Warn(msg string, ctx ...Ctx)  { w.entry().WithFields(merge(ctx)).Warn(msg) }
func (w *wrapper) Error(msg string, ctx ...Ctx) { w.entry().WithFields(merge(ctx)).Error(msg) }

// With returns a derived Logger carrying the extra fields on every call.
func (w *wrapper) With(ctx Ctx) Logger {
	merged := logrus.Fields{}
	for k, v := range w.fields {
		merged[k] = v
	}

	for k, v := range ctx {
		merged[k] = v
	}

	return &wrapper{fields: merged}
}

// SetLevel configures the minimum level the default logger emits.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}
