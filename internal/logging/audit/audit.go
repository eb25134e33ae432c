// Package audit writes security-relevant events as structured log lines.
package audit

import (
	"github.com/rs/zerolog"
)

// Event results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger emits audit events. Every event carries event_type so the stream
// can be filtered out of the application log.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	switch result {
	case ResultDenied:
		return zerolog.WarnLevel
	case ResultFailed:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// LogAuth records an identity resolution attempt.
// method: "jwt" or "header"; details explains a denial.
func (l *Logger) LogAuth(userID, method, result, details, sourceIP string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("user_id", userID).
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogAuthz records a permission decision on a file.
func (l *Logger) LogAuthz(userID, action, fileID, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "authz").
		Str("user_id", userID).
		Str("action", action).
		Str("file_id", fileID).
		Str("result", result)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Authorization event")
}

// LogFileOp records a state-changing file operation: share changes,
// permanent deletion, content replacement, reconciliation repairs.
func (l *Logger) LogFileOp(userID, operation, fileID, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "file_op").
		Str("user_id", userID).
		Str("operation", operation).
		Str("result", result)
	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("File operation")
}
