// Package logging provides the Logger interface shared by every ConDaLF
// package and a logrus-backed implementation.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is satisfied by anything that can print a formatted informational
// line. It exists so that coap, service, relay and server never import
// logrus directly, mirroring the Logger interface the teacher package
// exposes for its own CoAP/HTTP bridge (coap_http.go's `Logger`).
type Logger interface {
	Printf(format string, v ...interface{})
}

// FieldLogger is the leveled, structured logger used internally by this
// repository's own packages; Logger is the narrower Printf-only surface it
// extends.
type FieldLogger interface {
	Logger
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	WithFields(fields Fields) FieldLogger
}

// Fields is a structured logging payload, e.g. {"host": "10.0.0.1", "port": 5683}.
type Fields map[string]interface{}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a FieldLogger backed by logrus, logging at the given level
// ("debug", "info", "warn", "error") to stderr with text formatting.
func New(level string) FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *logrusLogger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *logrusLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

func (l *logrusLogger) WithFields(fields Fields) FieldLogger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// Nop discards everything. Used in tests and whenever a collaborator's
// Logger field is left unset.
var Nop FieldLogger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) WithFields(Fields) FieldLogger { return nopLogger{} }
