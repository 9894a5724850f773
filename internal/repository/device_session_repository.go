package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/infrastructure/redis"
)

const (
	deviceSessionKeyPrefix = "device_session:"
	userSessionsKeyPrefix  = "device_sessions:user:"
)

func deviceSessionKey(id string) string { return deviceSessionKeyPrefix + id }

func userSessionsKey(userID string) string { return userSessionsKeyPrefix + userID }

// RedisDeviceSessionRepository implements domain.DeviceSessionRepository using Redis.
// Each session is a key expiring at ExpiresAt; a per-user set indexes them.
type RedisDeviceSessionRepository struct {
	redis  *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisDeviceSessionRepository creates a new device session repository
func NewRedisDeviceSessionRepository(redisClient *redis.Client, logger *slog.Logger) *RedisDeviceSessionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDeviceSessionRepository{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// Save stores a session in Redis with TTL
func (r *RedisDeviceSessionRepository) Save(ctx context.Context, session *domain.DeviceSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal device session: %w", err)
	}

	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}

	if err := r.redis.Set(ctx, deviceSessionKey(session.ID), string(data), ttl); err != nil {
		return domain.Infrastructure("store device session", err)
	}
	if err := r.redis.AddToSet(ctx, userSessionsKey(session.UserID), ttl, session.ID); err != nil {
		return domain.Infrastructure("index device session", err)
	}

	r.logger.Debug("device session saved",
		slog.String("session_id", session.ID),
		slog.String("user_id", session.UserID),
	)
	return nil
}

// Get retrieves a session from Redis
func (r *RedisDeviceSessionRepository) Get(ctx context.Context, id string) (*domain.DeviceSession, error) {
	data, err := r.redis.Get(ctx, deviceSessionKey(id))
	if err != nil {
		if redis.IsNil(err) {
			return nil, domain.ErrNotFound.WithContext("session_id", id)
		}
		return nil, domain.Infrastructure("get device session", err)
	}

	var session domain.DeviceSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, domain.Infrastructure("decode device session", err)
	}
	return &session, nil
}

// Delete removes a session and its index entry
func (r *RedisDeviceSessionRepository) Delete(ctx context.Context, id string) error {
	session, err := r.Get(ctx, id)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil
		}
		return err
	}
	if err := r.redis.Delete(ctx, deviceSessionKey(id)); err != nil {
		return domain.Infrastructure("delete device session", err)
	}
	if err := r.redis.RemoveFromSet(ctx, userSessionsKey(session.UserID), id); err != nil {
		r.logger.Warn("failed to unindex device session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ListByUser returns live sessions for a user, pruning expired index entries
func (r *RedisDeviceSessionRepository) ListByUser(ctx context.Context, userID string) ([]*domain.DeviceSession, error) {
	ids, err := r.redis.SetMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, domain.Infrastructure("list device sessions", err)
	}

	sessions := make([]*domain.DeviceSession, 0, len(ids))
	var stale []string
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if len(stale) > 0 {
		if err := r.redis.RemoveFromSet(ctx, userSessionsKey(userID), stale...); err != nil {
			r.logger.Warn("failed to prune device session index",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

// MemoryDeviceSessionRepository keeps device sessions in process.
type MemoryDeviceSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.DeviceSession
	now      func() time.Time
}

func NewMemoryDeviceSessionRepository(now func() time.Time) *MemoryDeviceSessionRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeviceSessionRepository{sessions: map[string]*domain.DeviceSession{}, now: now}
}

func (r *MemoryDeviceSessionRepository) Save(_ context.Context, session *domain.DeviceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *MemoryDeviceSessionRepository) Get(_ context.Context, id string) (*domain.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound.WithContext("session_id", id)
	}
	if !r.now().Before(s.ExpiresAt) {
		delete(r.sessions, id)
		return nil, domain.ErrNotFound.WithContext("session_id", id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryDeviceSessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryDeviceSessionRepository) ListByUser(_ context.Context, userID string) ([]*domain.DeviceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []*domain.DeviceSession
	for id, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.sessions, id)
			continue
		}
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(sessions []*domain.DeviceSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
