package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/identity"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/reliability/retry"
	"github.com/aryan0dhankhar/accessgate/internal/repository"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/security/ratelimit"
)

const testPassword = "correct-horse-battery"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = map[string]string{}
	}
	m.codes[email] = code
	return nil
}

func (m *captureMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type harness struct {
	repo     domain.UserRepository
	users    *UserService
	provider *identity.Provider
	mailer   *captureMailer
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithRepo(t, repository.NewMemoryUserRepository())
}

func newHarnessWithRepo(t *testing.T, repo domain.UserRepository) *harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	limiter := ratelimit.NewLimiter(1000, time.Minute)
	t.Cleanup(limiter.Stop)

	clock := &fakeClock{now: time.Now().UTC()}
	mailer := &captureMailer{}
	provider := identity.NewProvider(
		repository.NewMemoryCredentialRepository(),
		auth.NewTokenManager("test-secret", "test"),
		limiter,
		node,
		mailer,
		identity.Config{
			PasswordMinLength: 8,
			SignInMaxAttempts: 100,
			SignInWindow:      time.Minute,
			ResetTTL:          time.Hour,
			BcryptCost:        bcrypt.MinCost,
		},
		nil,
	)
	users := NewUserService(repo, invariant.Clock{Epoch: invariant.DefaultEpoch, Skew: time.Minute, Now: clock.Now}, nil, nil)
	return &harness{repo: repo, users: users, provider: provider, mailer: mailer, clock: clock}
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
}

// session starts a signed-out client session.
func (h *harness) session(t *testing.T) *AuthService {
	t.Helper()
	return h.startSession(t, h.provider.NewClient())
}

func (h *harness) startSession(t *testing.T, client domain.IdentityProvider) *AuthService {
	t.Helper()
	svc := NewAuthService(h.users, client, nil, nil, nil).WithCompensationRetry(fastRetry())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)
	return svc
}

// restore resumes subject's session, as a reloaded client would.
func (h *harness) restore(t *testing.T, subject string) *AuthService {
	t.Helper()
	client, err := h.provider.RestoreClient(context.Background(), subject)
	require.NoError(t, err)
	svc := NewAuthService(h.users, client, nil, nil, nil).WithCompensationRetry(fastRetry())
	t.Cleanup(svc.Close)
	return svc
}

func (h *harness) bootstrapOwner(t *testing.T) (*AuthService, *domain.User) {
	t.Helper()
	svc := h.session(t)
	owner, err := svc.OwnerBootstrap(context.Background(), "owner@example.com", testPassword, "Olive Owner")
	require.NoError(t, err)
	return svc, owner
}

func (h *harness) invite(t *testing.T, email string, role domain.Role) *domain.User {
	t.Helper()
	u, err := h.users.CreateInvitedUser(context.Background(), InviteInput{Name: "Invitee", Email: email, Role: role})
	require.NoError(t, err)
	return u
}

func (h *harness) accountCount(t *testing.T) int {
	t.Helper()
	page, err := h.provider.ListAccounts(context.Background(), "", domain.MaxPageSize)
	require.NoError(t, err)
	return len(page.Accounts)
}
