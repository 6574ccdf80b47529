// Package logging provides a small structured-logging facade used
// throughout ci-queue, so call sites depend on an interface rather than
// directly on log/slog.
package logging

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...any)
	Info(msg string)
	Infof(format string, args ...any)
	Warn(msg string)
	Warnf(format string, args ...any)
	Error(msg string)
	Errorf(format string, args ...any)
	With(key string, value any) Logger
	WithError(err error) Logger
	WithStacktrace(err error) Logger
}

// stackTracer is the unexported but stable interface implemented by
// errors created with github.com/pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func New() Logger {
	return &slogLogger{delegate: slog.Default()}
}

func NewWithHandler(h slog.Handler) Logger {
	return &slogLogger{delegate: slog.New(h)}
}

type slogLogger struct {
	delegate *slog.Logger
}

func (l *slogLogger) Debug(msg string) { l.delegate.Debug(msg) }
func (l *slogLogger) Debugf(format string, args ...any) {
	l.delegate.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(msg string) { l.delegate.Info(msg) }
func (l *slogLogger) Infof(format string, args ...any) {
	l.delegate.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Warn(msg string) { l.delegate.Warn(msg) }
func (l *slogLogger) Warnf(format string, args ...any) {
	l.delegate.Warn(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(msg string) { l.delegate.Error(msg) }
func (l *slogLogger) Errorf(format string, args ...any) {
	l.delegate.Error(fmt.Sprintf(format, args...))
}

func (l *slogLogger) With(key string, value any) Logger {
	return &slogLogger{delegate: l.delegate.With(key, value)}
}

func (l *slogLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return &slogLogger{delegate: l.delegate.With("error", err.Error())}
}

// WithStacktrace adds error and, when available, stack trace fields.
func (l *slogLogger) WithStacktrace(err error) Logger {
	if err == nil {
		return l
	}
	logger := l.delegate.With("error", err.Error())
	var st stackTracer
	if errors.As(err, &st) {
		logger = logger.With("stacktrace", fmt.Sprintf("%+v", st.StackTrace()))
	}
	return &slogLogger{delegate: logger}
}
