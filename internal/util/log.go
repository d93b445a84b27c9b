// Package util provides the CLI's logging and signaling statistics.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// emit writes msg at level through pterm's default logger. kv is rendered as
// key/value pairs after the message.
func emit(level pterm.LogLevel, msg string, kv ...any) {
	logger := pterm.DefaultLogger

	var args [][]pterm.LoggerArgument
	if len(kv) > 0 {
		args = append(args, logger.Args(kv...))
	}

	switch level {
	case pterm.LogLevelTrace:
		logger.Trace(msg, args...)
	case pterm.LogLevelDebug:
		logger.Debug(msg, args...)
	case pterm.LogLevelInfo:
		logger.Info(msg, args...)
	case pterm.LogLevelWarn:
		logger.Warn(msg, args...)
	default:
		logger.Error(msg, args...)
	}
}

func LogDebug(format string, args ...any) {
	emit(pterm.LogLevelDebug, fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	emit(pterm.LogLevelInfo, fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	emit(pterm.LogLevelWarn, fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	emit(pterm.LogLevelError, fmt.Sprintf(format, args...))
}

// LogFields logs msg at info level with key/value pairs, e.g.
// LogFields("session created", "session", id, "role", role).
func LogFields(msg string, kv ...any) {
	emit(pterm.LogLevelInfo, msg, kv...)
}

// EnableDebug lowers the threshold so debug and pion diagnostics are shown.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
