package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/repository"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/security/ratelimit"
)

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

func newTestProvider(t *testing.T) (*Provider, *captureMailer) {
	t.Helper()
	return newTestProviderWithRepo(t, repository.NewMemoryCredentialRepository())
}

func newTestProviderWithRepo(t *testing.T, creds domain.CredentialRepository) (*Provider, *captureMailer) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	limiter := ratelimit.NewLimiter(100, time.Minute)
	t.Cleanup(limiter.Stop)
	mailer := &captureMailer{}
	cfg := Config{
		PasswordMinLength: 8,
		SignInMaxAttempts: 3,
		SignInWindow:      time.Minute,
		ResetTTL:          time.Hour,
		BcryptCost:        bcrypt.MinCost,
	}
	p := NewProvider(creds, auth.NewTokenManager("test-secret", "test"),
		limiter, node, mailer, cfg, nil)
	return p, mailer
}

func TestCreateAccountSignsIn(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	c := p.NewClient()

	var changes []domain.AuthChange
	c.Subscribe(func(ch domain.AuthChange) { changes = append(changes, ch) })

	subject, err := c.CreateAccount(ctx, " New@Example.com ", "longenough")
	require.NoError(t, err)
	assert.Equal(t, subject, c.Subject())
	require.Len(t, changes, 2)
	assert.False(t, changes[0].SignedIn())
	assert.Equal(t, subject, changes[1].SubjectID)

	_, err = p.NewClient().CreateAccount(ctx, "new@example.com", "longenough")
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyInUse)
}

func TestCreateAccountValidation(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.NewClient().CreateAccount(ctx, "not-an-email", "longenough")
	assert.ErrorIs(t, err, errInvalidEmail)

	_, err = p.NewClient().CreateAccount(ctx, "a@example.com", "short")
	assert.Equal(t, domain.KindWeakPassword, domain.KindOf(err))

	_, err = p.NewClient().CreateAccount(ctx, "a@example.com", "          ")
	assert.Equal(t, domain.KindWeakPassword, domain.KindOf(err))
}

func TestSignInRateLimited(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.NewClient().CreateAccount(ctx, "a@example.com", "correct-horse")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.NewClient().SignIn(ctx, "a@example.com", "wrong-password")
		assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	}
	_, err = p.NewClient().SignIn(ctx, "a@example.com", "correct-horse")
	assert.ErrorIs(t, err, domain.ErrTooManyRequests)
}

func TestSignInSuccessResetsAttempts(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.NewClient().CreateAccount(ctx, "a@example.com", "correct-horse")
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		_, _ = p.NewClient().SignIn(ctx, "a@example.com", "wrong-password")
		_, _ = p.NewClient().SignIn(ctx, "a@example.com", "wrong-password")
		_, err := p.NewClient().SignIn(ctx, "a@example.com", "correct-horse")
		require.NoError(t, err, "round %d", round)
	}
}

func TestUnknownEmailSignInIsInvalidCredentials(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.NewClient().SignIn(context.Background(), "ghost@example.com", "whatever1")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestPasswordResetIsSingleUse(t *testing.T) {
	p, mailer := newTestProvider(t)
	ctx := context.Background()
	subject, err := p.NewClient().CreateAccount(ctx, "a@example.com", "old-password")
	require.NoError(t, err)

	c := p.NewClient()
	require.NoError(t, c.SendPasswordReset(ctx, "A@example.com"))
	code := mailer.code("a@example.com")
	require.NotEmpty(t, code)

	require.NoError(t, c.ConfirmPasswordReset(ctx, code, "new-password"))
	assert.ErrorIs(t, c.ConfirmPasswordReset(ctx, code, "another-password"), errInvalidResetCode)

	_, err = p.NewClient().SignIn(ctx, "a@example.com", "new-password")
	require.NoError(t, err)

	restored, err := p.RestoreClient(ctx, subject)
	require.NoError(t, err)
	var verified bool
	restored.Subscribe(func(ch domain.AuthChange) { verified = ch.EmailVerified })
	assert.True(t, verified, "reset proves the address")
}

// flakyCredentials fails the next write of each kind it is armed for.
type flakyCredentials struct {
	domain.CredentialRepository
	mu           sync.Mutex
	failPassword bool
	failVerified bool
}

func (f *flakyCredentials) UpdatePassword(ctx context.Context, subjectID, hash string, at time.Time) error {
	f.mu.Lock()
	fail := f.failPassword
	f.failPassword = false
	f.mu.Unlock()
	if fail {
		return domain.Infrastructure("update password", errors.New("connection reset"))
	}
	return f.CredentialRepository.UpdatePassword(ctx, subjectID, hash, at)
}

func (f *flakyCredentials) MarkEmailVerified(ctx context.Context, subjectID string, at time.Time) error {
	f.mu.Lock()
	fail := f.failVerified
	f.failVerified = false
	f.mu.Unlock()
	if fail {
		return domain.Infrastructure("mark email verified", errors.New("connection reset"))
	}
	return f.CredentialRepository.MarkEmailVerified(ctx, subjectID, at)
}

func TestPasswordResetCodeSurvivesStorageFailure(t *testing.T) {
	for name, arm := range map[string]func(*flakyCredentials){
		"password write": func(f *flakyCredentials) { f.failPassword = true },
		"verified write": func(f *flakyCredentials) { f.failVerified = true },
	} {
		t.Run(name, func(t *testing.T) {
			creds := &flakyCredentials{CredentialRepository: repository.NewMemoryCredentialRepository()}
			p, mailer := newTestProviderWithRepo(t, creds)
			ctx := context.Background()
			_, err := p.NewClient().CreateAccount(ctx, "a@example.com", "old-password")
			require.NoError(t, err)

			c := p.NewClient()
			require.NoError(t, c.SendPasswordReset(ctx, "a@example.com"))
			code := mailer.code("a@example.com")

			arm(creds)
			err = c.ConfirmPasswordReset(ctx, code, "new-password")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindInfrastructure))

			require.NoError(t, c.ConfirmPasswordReset(ctx, code, "new-password"))
			assert.ErrorIs(t, c.ConfirmPasswordReset(ctx, code, "new-password"), errInvalidResetCode)
			_, err = p.NewClient().SignIn(ctx, "a@example.com", "new-password")
			require.NoError(t, err)
		})
	}
}

func TestPasswordResetUnknownEmailLooksLikeSuccess(t *testing.T) {
	p, mailer := newTestProvider(t)
	require.NoError(t, p.NewClient().SendPasswordReset(context.Background(), "ghost@example.com"))
	assert.Empty(t, mailer.code("ghost@example.com"))
}

func TestResetCodeRejectsSessionToken(t *testing.T) {
	p, _ := newTestProvider(t)
	token, err := p.tokens.GenerateSessionToken("sub", "sess", time.Hour)
	require.NoError(t, err)
	err = p.NewClient().ConfirmPasswordReset(context.Background(), token, "new-password")
	assert.ErrorIs(t, err, errInvalidResetCode)
}

func TestChangePasswordRequiresOldPassword(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	c := p.NewClient()
	_, err := c.CreateAccount(ctx, "a@example.com", "old-password")
	require.NoError(t, err)

	assert.ErrorIs(t, c.ChangePassword(ctx, "bad-guess", "new-password"), domain.ErrInvalidCredentials)
	require.NoError(t, c.ChangePassword(ctx, "old-password", "new-password"))
	require.NoError(t, c.Reauthenticate(ctx, "new-password"))

	assert.ErrorIs(t, p.NewClient().Reauthenticate(ctx, "new-password"), domain.ErrNotAuthenticated)
}

func TestDeleteAccountSignsOutAndIsIdempotent(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	c := p.NewClient()
	subject, err := c.CreateAccount(ctx, "a@example.com", "old-password")
	require.NoError(t, err)

	require.NoError(t, c.DeleteAccount(ctx, subject))
	assert.Empty(t, c.Subject())
	require.NoError(t, c.DeleteAccount(ctx, subject))

	_, err = p.RestoreClient(ctx, subject)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestListAccountsPages(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := p.NewClient().CreateAccount(ctx, email, "password1")
		require.NoError(t, err)
	}

	first, err := p.ListAccounts(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Accounts, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := p.ListAccounts(ctx, first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Accounts, 1)
	assert.Empty(t, second.NextCursor)
}
