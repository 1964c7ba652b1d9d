// Package logging defines the Logger contract used across every mesh
// component and a default implementation backed by logrus.
//
// Adapted from the teacher's pkg/mcast/definition/default_logger.go, which
// wrapped the standard library's log.Logger with Info/Warn/Error/Debug/
// Fatal methods (plain and formatted). Here the same surface wraps
// logrus.Logger so field-based structured logging (nodeId, component,
// peer) is available to every caller, and output is colorized on a TTY.
package logging

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the contract every component logs through.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output, returning the
	// previous state.
	ToggleDebug(enabled bool) bool

	// With returns a derived Logger carrying the given structured fields
	// on every subsequent call.
	With(fields map[string]interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the default Logger, writing to stderr with colorized level
// output when stderr is a terminal.
func New() Logger {
	base := logrus.New()
	base.SetOutput(colorable.NewColorableStderr())
	base.SetFormatter(&logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	})
	base.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *logrusLogger) ToggleDebug(enabled bool) bool {
	logger := l.entry.Logger
	was := logger.IsLevelEnabled(logrus.DebugLevel)
	if enabled {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return was
}

func (l *logrusLogger) With(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

// Noop returns a Logger that discards everything, for tests that don't
// care about log output.
func Noop() Logger {
	base := logrus.New()
	base.SetOutput(nopWriter{})
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
