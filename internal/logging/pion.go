package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below debug for pion's trace output.
const LevelTrace = slog.LevelDebug - 4

// PionFactory routes pion's leveled loggers into slog. Each pion scope
// becomes a "scope" attribute.
type PionFactory struct {
	Logger *slog.Logger
}

// NewPionFactory returns a factory writing to logger, or to the default
// logger when nil.
func NewPionFactory(logger *slog.Logger) *PionFactory {
	return &PionFactory{Logger: logger}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &pionLogger{log: logger.With("component", "pion", "scope", scope)}
}

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string)                  { l.log.Log(context.Background(), LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                   { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                  { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
