package identity

import (
	"context"
	"log/slog"
)

// Mailer delivers out-of-band messages.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, code string) error
}

// LogMailer writes reset codes to the log. Development only.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, email, code string) error {
	m.logger.InfoContext(ctx, "password reset issued", slog.String("email", email))
	m.logger.DebugContext(ctx, "password reset code", slog.String("email", email), slog.String("code", code))
	return nil
}
