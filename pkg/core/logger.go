package core

import (
	"fmt"
	"log"
	"os"
)

// Logger is the leveled logging interface used across the runtime. Every
// component takes a Logger at construction so deployments can plug in their
// own implementation; nil falls back to NewDefaultLogger.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

// callDepth makes log.Lshortfile report the caller of the Logger method, not
// the method itself.
const callDepth = 3

// defaultLogger writes level-prefixed lines through the standard log
// package. Errors and warnings go to stderr, the rest to stdout.
type defaultLogger struct {
	err   *log.Logger
	warn  *log.Logger
	info  *log.Logger
	debug *log.Logger
}

// NewDefaultLogger returns the stdlib-backed Logger.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		err:   newLevelLogger(os.Stderr, "[ERROR] "),
		warn:  newLevelLogger(os.Stderr, "[WARN] "),
		info:  newLevelLogger(os.Stdout, "[INFO] "),
		debug: newLevelLogger(os.Stdout, "[DEBUG] "),
	}
}

func newLevelLogger(f *os.File, prefix string) *log.Logger {
	return log.New(f, prefix, log.LstdFlags|log.Lshortfile)
}

func (l *defaultLogger) Error(args ...interface{}) {
	l.err.Output(callDepth, fmt.Sprint(args...))
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.err.Output(callDepth, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Warn(args ...interface{}) {
	l.warn.Output(callDepth, fmt.Sprint(args...))
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warn.Output(callDepth, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Info(args ...interface{}) {
	l.info.Output(callDepth, fmt.Sprint(args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.info.Output(callDepth, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Debug(args ...interface{}) {
	l.debug.Output(callDepth, fmt.Sprint(args...))
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.debug.Output(callDepth, fmt.Sprintf(format, args...))
}
