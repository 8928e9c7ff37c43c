package mfa

import (
	"context"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
)

// LogSender writes outgoing codes to the log instead of an SMS or email gateway.
// Only for development deployments.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a new log-backed Sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message
func (s *LogSender) Send(_ context.Context, method Method, destination, message string) error {
	s.logger.Info("MFA message",
		zap.String("method", string(method)),
		zap.String("destination", audit.MaskSecret(destination)),
		zap.String("message", message),
	)
	return nil
}
