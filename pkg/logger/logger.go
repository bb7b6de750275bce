// Package logger provides the operator's structured logging, keeping the
// teacher's leveled-function API (Debug/Info/Warn/Error) but backing it
// with logrus so reconciliation cycles emit structured fields (cycle
// number, classification, action, primary, error kind) instead of plain
// strings.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(levelFromEnv())
	return l
}

func levelFromEnv() logrus.Level {
	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if level == "" && os.Getenv("DEBUG") == "1" {
		level = "debug"
	}
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields is an alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

func Debug(msg string, fields Fields) { base.WithFields(fields).Debug(msg) }
func Info(msg string, fields Fields)  { base.WithFields(fields).Info(msg) }
func Warn(msg string, fields Fields)  { base.WithFields(fields).Warn(msg) }
func Error(msg string, fields Fields) { base.WithFields(fields).Error(msg) }

// IsDebug reports whether debug-level logging is enabled.
func IsDebug() bool { return base.IsLevelEnabled(logrus.DebugLevel) }

// Cycle returns a logger entry pre-populated with the cycle number, the
// field every reconciliation log line carries per the spec's observable
// logs requirement.
func Cycle(n uint64) *logrus.Entry {
	return base.WithField("cycle", n)
}
