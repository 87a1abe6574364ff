package usecase

import (
	"log/slog"
	"strings"

	"wallet-discovery/go-backend/internal/platform/privacylog"
)

const (
	responderComponentName = "discovery_responder"
	initiatorComponentName = "discovery_initiator"
)

// correlationID ties together log lines of one discovery exchange without
// exposing the raw session id.
func correlationID(sessionID, responderID string) string {
	fp := privacylog.Fingerprint(sessionID)
	responderID = strings.TrimSpace(responderID)
	switch {
	case fp != "" && responderID != "":
		return fp + ":" + responderID
	case fp != "":
		return fp
	case responderID != "":
		return responderID
	default:
		return "n/a"
	}
}

type componentLogger struct {
	logger    *slog.Logger
	component string
}

func newComponentLogger(logger *slog.Logger, component string) componentLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return componentLogger{logger: logger, component: component}
}

func (l componentLogger) base(operation, correlation string, attrs []any) []any {
	return append([]any{
		"component", l.component,
		"operation", strings.TrimSpace(operation),
		"correlation_id", strings.TrimSpace(correlation),
	}, attrs...)
}

func (l componentLogger) debug(operation, correlation, message string, attrs ...any) {
	l.logger.Debug(message, l.base(operation, correlation, attrs)...)
}

func (l componentLogger) info(operation, correlation, message string, attrs ...any) {
	l.logger.Info(message, l.base(operation, correlation, attrs)...)
}

func (l componentLogger) warn(operation, correlation, message string, attrs ...any) {
	l.logger.Warn(message, l.base(operation, correlation, attrs)...)
}
