package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/identity"
	"github.com/aryan0dhankhar/accessgate/internal/security"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/service"
)

// Sessions builds one AuthService per request. Signed-out requests get a
// fresh provider client; token holders get their subject restored, so
// resolution and RBAC always run against current state.
type Sessions struct {
	users    *service.UserService
	provider *identity.Provider
	devices  *service.DeviceSessionService
	tokens   *auth.TokenManager
	authz    *security.AuthorizationService
	audit    *audit.Logger
	logger   *slog.Logger
}

func NewSessions(
	users *service.UserService,
	provider *identity.Provider,
	devices *service.DeviceSessionService,
	tokens *auth.TokenManager,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		users:    users,
		provider: provider,
		devices:  devices,
		tokens:   tokens,
		authz:    security.NewAuthorizationService(auditLog, logger),
		audit:    auditLog,
		logger:   logger,
	}
}

// TokenResponse is returned by every operation that signs a user in.
type TokenResponse struct {
	Token     string       `json:"token"`
	SessionID string       `json:"sessionId"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *domain.User `json:"user"`
}

// Anonymous returns a started, signed-out service. Callers must Close it.
func (s *Sessions) Anonymous(ctx context.Context) (*service.AuthService, error) {
	svc := service.NewAuthService(s.users, s.provider.NewClient(), s.authz, s.audit, s.logger)
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// Restore resumes the session named by claims. The device session must still
// be live; a user disabled or removed since sign-in loses the device session.
func (s *Sessions) Restore(ctx context.Context, claims *auth.Claims) (*service.AuthService, *domain.DeviceSession, error) {
	if claims == nil {
		return nil, nil, domain.ErrNotAuthenticated
	}
	ds, err := s.devices.Check(ctx, claims.SessionID, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.provider.RestoreClient(ctx, claims.UserID)
	if err != nil {
		s.revoke(ctx, ds)
		return nil, nil, err
	}
	svc := service.NewAuthService(s.users, client, s.authz, s.audit, s.logger)
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		if domain.IsKind(err, domain.KindUserDisabled) || domain.IsKind(err, domain.KindInvalidCredentials) {
			s.revoke(ctx, ds)
		}
		return nil, nil, err
	}
	if _, err := svc.RequireAuthenticated(); err != nil {
		svc.Close()
		return nil, nil, err
	}
	return svc, ds, nil
}

// Issue starts a device session for u and mints its bearer token.
func (s *Sessions) Issue(ctx context.Context, u *domain.User, userAgent string) (*TokenResponse, error) {
	ds, err := s.devices.Start(ctx, u.ID, userAgent)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.GenerateSessionToken(u.ID, ds.ID, s.devices.TTL())
	if err != nil {
		s.revoke(ctx, ds)
		return nil, domain.Infrastructure("sign session token", err)
	}
	return &TokenResponse{Token: token, SessionID: ds.ID, ExpiresAt: ds.ExpiresAt, User: u}, nil
}

// End revokes the device session behind claims.
func (s *Sessions) End(ctx context.Context, claims *auth.Claims) error {
	return s.devices.Revoke(ctx, claims.SessionID, claims.UserID)
}

func (s *Sessions) revoke(ctx context.Context, ds *domain.DeviceSession) {
	if err := s.devices.Revoke(ctx, ds.ID, ds.UserID); err != nil {
		s.logger.Warn("failed to revoke device session",
			slog.String("session_id", ds.ID),
			slog.String("error", err.Error()),
		)
	}
}
