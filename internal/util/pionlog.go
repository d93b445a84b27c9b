package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory routes pion's internal logs through the pterm logger so
// ICE/DTLS diagnostics share the CLI's format and -debug switch.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) log(level pterm.LogLevel, msg string) {
	emit(level, msg, "scope", l.scope)
}

func (l pionLogger) Trace(msg string) { l.log(pterm.LogLevelTrace, msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.log(pterm.LogLevelTrace, fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.log(pterm.LogLevelDebug, msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.log(pterm.LogLevelDebug, fmt.Sprintf(format, args...))
}

// pion is chatty at info level; demote to debug.
func (l pionLogger) Info(msg string) { l.log(pterm.LogLevelDebug, msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.log(pterm.LogLevelDebug, fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { l.log(pterm.LogLevelWarn, msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.log(pterm.LogLevelWarn, fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { l.log(pterm.LogLevelError, msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.log(pterm.LogLevelError, fmt.Sprintf(format, args...))
}
