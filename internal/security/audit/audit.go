package audit

import (
	"context"
	"log/slog"
	"time"
)

type requestIDKey struct{}
type actorKey struct{}

// WithRequestID tags ctx with the inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor records who is acting in ctx.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// Actor returns the acting user id carried by ctx, or "".
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (al *Logger) LogAction(ctx context.Context, action, resource, resourceID, status, details string) {
	if al == nil {
		return
	}
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("actor_id", Actor(ctx)),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", RequestID(ctx)),
		slog.Time("timestamp", time.Now()),
	)
}

// LogLifecycle records a user lifecycle mutation.
func (al *Logger) LogLifecycle(ctx context.Context, operation, userID, status, details string) {
	al.LogAction(ctx, operation, "user", userID, status, details)
}

// LogAuth records a session operation.
func (al *Logger) LogAuth(ctx context.Context, operation, subjectID, status, details string) {
	al.LogAction(ctx, operation, "session", subjectID, status, details)
}

func (al *Logger) LogDenied(ctx context.Context, permission, reason string) {
	al.LogAction(ctx, "access_denied", "api", permission, "denied", reason)
}
