package domain

import (
	"context"
	"time"
)

// DefaultHeartbeatTTL bounds how long a device session survives without a heartbeat.
const DefaultHeartbeatTTL = 24 * time.Hour

// DeviceSession is coarse per-device visibility of a signed-in client.
// It is not a revocation mechanism for other devices.
type DeviceSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	UserAgent  string    `json:"userAgent,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Revoked    bool      `json:"revoked"`
}

// Active reports whether the session is usable at now.
func (s *DeviceSession) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// DeviceSessionRepository persists device sessions with expiry.
type DeviceSessionRepository interface {
	Save(ctx context.Context, session *DeviceSession) error
	// Get returns ErrNotFound once the session expired or never existed.
	Get(ctx context.Context, id string) (*DeviceSession, error)
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*DeviceSession, error)
}
