package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
)

// DeviceSessionService tracks signed-in devices. A session lapses when no
// heartbeat arrives within the TTL. It never revokes other devices.
type DeviceSessionService struct {
	repo   domain.DeviceSessionRepository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewDeviceSessionService(repo domain.DeviceSessionRepository, ttl time.Duration, logger *slog.Logger) *DeviceSessionService {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = domain.DefaultHeartbeatTTL
	}
	return &DeviceSessionService{repo: repo, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (s *DeviceSessionService) WithClock(now func() time.Time) *DeviceSessionService {
	s.now = now
	return s
}

// TTL is the heartbeat window.
func (s *DeviceSessionService) TTL() time.Duration { return s.ttl }

// Start records a new device session for userID.
func (s *DeviceSessionService) Start(ctx context.Context, userID, userAgent string) (*domain.DeviceSession, error) {
	now := s.now().UTC()
	ds := &domain.DeviceSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		UserAgent:  userAgent,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.repo.Save(ctx, ds); err != nil {
		return nil, err
	}
	s.logger.Info("device session started",
		slog.String("session_id", ds.ID),
		slog.String("user_id", userID),
	)
	return ds, nil
}

// Check returns the session if it is still live and owned by userID.
func (s *DeviceSessionService) Check(ctx context.Context, sessionID, userID string) (*domain.DeviceSession, error) {
	ds, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.ErrSessionExpired.WithContext("session_id", sessionID)
		}
		return nil, err
	}
	if ds.UserID != userID || !ds.Active(s.now()) {
		return nil, domain.ErrSessionExpired.WithContext("session_id", sessionID)
	}
	return ds, nil
}

// Heartbeat extends a live session by the TTL.
func (s *DeviceSessionService) Heartbeat(ctx context.Context, sessionID, userID string) (*domain.DeviceSession, error) {
	ds, err := s.Check(ctx, sessionID, userID)
	if err != nil {
		metrics.ObserveHeartbeat("expired")
		return nil, err
	}
	now := s.now().UTC()
	ds.LastSeenAt = now
	ds.ExpiresAt = now.Add(s.ttl)
	if err := s.repo.Save(ctx, ds); err != nil {
		metrics.ObserveHeartbeat("error")
		return nil, err
	}
	metrics.ObserveHeartbeat("ok")
	return ds, nil
}

// Revoke ends the caller's own session. Unknown sessions are ignored.
func (s *DeviceSessionService) Revoke(ctx context.Context, sessionID, userID string) error {
	ds, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil
		}
		return err
	}
	if ds.UserID != userID {
		return domain.NewError(domain.KindNotSelf, "not_self", "only the session holder may end it")
	}
	return s.repo.Delete(ctx, sessionID)
}

// ListForUser returns the live sessions of userID.
func (s *DeviceSessionService) ListForUser(ctx context.Context, userID string) ([]*domain.DeviceSession, error) {
	return s.repo.ListByUser(ctx, userID)
}
