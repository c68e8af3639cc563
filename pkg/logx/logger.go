// Package logx provides structured logging for the proximityd daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging on top of logrus
type Logger struct {
	entry *logrus.Entry
}

// New creates a new structured logger writing JSON to stdout
func New(levelStr string) *Logger {
	return NewWithOutput(levelStr, os.Stdout)
}

// NewWithOutput creates a logger writing to the given destination
func NewWithOutput(levelStr string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(parseLevel(levelStr))
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	return &Logger{entry: logrus.NewEntry(base)}
}

// WithComponent returns a logger tagged with a component name
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// parseLevel converts a level string to a logrus level, defaulting to info
func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// log emits an entry with alternating key/value pairs folded into fields
func (l *Logger) log(level logrus.Level, msg string, keysAndValues ...interface{}) {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		fields[key] = keysAndValues[i+1]
	}
	l.entry.WithFields(fields).Log(level, msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(logrus.DebugLevel, msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(logrus.InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(logrus.WarnLevel, msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(logrus.ErrorLevel, msg, keysAndValues...)
}
