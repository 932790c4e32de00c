// Package log is authrimd's structured-logging adapter, harvested from
// dex's pkg/log: a narrow Logger interface so the rest of the module
// doesn't import logrus directly, plus New, grounded on dex's
// cmd/dex/serve.go newLogger (level/format switch, UTC timestamps).
package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface the rest of authrimd depends on.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LogrusLogger adapts a logrus.FieldLogger to Logger.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

var _ Logger = (*LogrusLogger)(nil)

// NewLogrusLogger wraps an existing logrus.FieldLogger.
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.logger.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.logger.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.logger.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.logger.Error(args...) }

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }

var logLevels = []string{"debug", "info", "error"}
var logFormats = []string{"text", "json"}

type utcFormatter struct {
	f logrus.Formatter
}

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.f.Format(e)
}

// New builds a Logger from config.Logger's level/format fields.
func New(level, format string) (Logger, error) {
	var logLevel logrus.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = logrus.DebugLevel
	case "", "info":
		logLevel = logrus.InfoLevel
	case "error":
		logLevel = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("log level is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}

	var formatter utcFormatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter.f = &logrus.TextFormatter{DisableColors: true}
	case "json":
		formatter.f = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	return NewLogrusLogger(&logrus.Logger{
		Out:       os.Stderr,
		Formatter: &formatter,
		Level:     logLevel,
		Hooks:     make(logrus.LevelHooks),
	}), nil
}
