// Package identity is the local credential system: bcrypt password hashes in a
// credential store, rate-limited sign-in and single-use reset codes. Each
// Client is one session against it and implements domain.IdentityProvider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/bcrypt"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/security/ratelimit"
	"github.com/aryan0dhankhar/accessgate/pkg/cache"
)

// Config tunes credential policy.
type Config struct {
	PasswordMinLength int
	SignInMaxAttempts int
	SignInWindow      time.Duration
	ResetTTL          time.Duration
	BcryptCost        int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PasswordMinLength: 8,
		SignInMaxAttempts: 5,
		SignInWindow:      15 * time.Minute,
		ResetTTL:          time.Hour,
		BcryptCost:        bcrypt.DefaultCost,
	}
}

var (
	errInvalidEmail     = domain.NewError(domain.KindInvalidCredentials, "invalid_email", "email address is malformed")
	errInvalidResetCode = domain.NewError(domain.KindInvalidCredentials, "invalid_reset_code", "password reset code is invalid or already used")
)

// Provider owns the shared credential state. Sessions are created with NewClient
// or RestoreClient.
type Provider struct {
	creds   domain.CredentialRepository
	tokens  *auth.TokenManager
	limiter *ratelimit.Limiter
	ids     *snowflake.Node
	used    *cache.Cache[string, struct{}]
	mailer  Mailer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewProvider builds a provider. A nil mailer logs reset codes instead of sending them.
func NewProvider(
	creds domain.CredentialRepository,
	tokens *auth.TokenManager,
	limiter *ratelimit.Limiter,
	node *snowflake.Node,
	mailer Mailer,
	cfg Config,
	logger *slog.Logger,
) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Provider{
		creds:   creds,
		tokens:  tokens,
		limiter: limiter,
		ids:     node,
		used:    cache.New[string, struct{}](),
		mailer:  mailer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "identity")),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	p.used.WithClock(now)
	return p
}

// NewClient starts a signed-out session.
func (p *Provider) NewClient() *Client {
	return &Client{p: p, subs: map[int]func(domain.AuthChange){}}
}

// RestoreClient resumes a session for subjectID, as after a page reload.
// A subject whose credential is gone yields ErrSessionExpired.
func (p *Provider) RestoreClient(ctx context.Context, subjectID string) (*Client, error) {
	cred, err := p.creds.GetBySubject(ctx, subjectID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.ErrSessionExpired
		}
		return nil, err
	}
	c := p.NewClient()
	c.subject = cred.SubjectID
	c.verified = cred.EmailVerified
	return c, nil
}

// ListAccounts pages every credential in subject id order.
func (p *Provider) ListAccounts(ctx context.Context, cursor string, limit int) (*domain.AccountPage, error) {
	creds, next, err := p.creds.List(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &domain.AccountPage{Accounts: make([]domain.Account, 0, len(creds)), NextCursor: next}
	for _, c := range creds {
		page.Accounts = append(page.Accounts, domain.Account{
			SubjectID:     c.SubjectID,
			Email:         c.Email,
			EmailVerified: c.EmailVerified,
			CreatedAt:     c.CreatedAt,
		})
	}
	return page, nil
}

// DeleteAccount removes a credential. Deleting a missing subject succeeds.
func (p *Provider) DeleteAccount(ctx context.Context, subjectID string) error {
	if err := p.creds.Delete(ctx, subjectID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return err
	}
	p.logger.Info("account deleted", slog.String("subject_id", subjectID))
	return nil
}

func (p *Provider) createCredential(ctx context.Context, email, password string) (*domain.Credential, error) {
	email = domain.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, errInvalidEmail
	}
	if err := p.checkStrength(password); err != nil {
		return nil, err
	}
	hash, err := p.hash(password)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	cred := &domain.Credential{
		SubjectID:    p.ids.Generate().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.creds.Create(ctx, cred); err != nil {
		return nil, err
	}
	p.logger.Info("account created", slog.String("subject_id", cred.SubjectID))
	return cred, nil
}

func (p *Provider) authenticate(ctx context.Context, email, password string) (*domain.Credential, error) {
	email = domain.NormalizeEmail(email)
	if !p.limiter.AllowStrict("signin:"+email, p.cfg.SignInMaxAttempts, p.cfg.SignInWindow) {
		p.logger.Warn("sign-in rate limited", slog.String("email", email))
		return nil, domain.ErrTooManyRequests
	}
	cred, err := p.creds.GetByEmail(ctx, email)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	p.limiter.Reset("signin:" + email)
	return cred, nil
}

func (p *Provider) verifyPassword(ctx context.Context, subjectID, password string) error {
	if !p.limiter.AllowStrict("reauth:"+subjectID, p.cfg.SignInMaxAttempts, p.cfg.SignInWindow) {
		return domain.ErrTooManyRequests
	}
	cred, err := p.creds.GetBySubject(ctx, subjectID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return domain.ErrSessionExpired
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return domain.ErrInvalidCredentials
	}
	return nil
}

func (p *Provider) setPassword(ctx context.Context, subjectID, password string) error {
	if err := p.checkStrength(password); err != nil {
		return err
	}
	hash, err := p.hash(password)
	if err != nil {
		return err
	}
	return p.creds.UpdatePassword(ctx, subjectID, hash, p.now().UTC())
}

func (p *Provider) sendReset(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if !p.limiter.AllowStrict("reset:"+email, p.cfg.SignInMaxAttempts, p.cfg.SignInWindow) {
		return domain.ErrTooManyRequests
	}
	cred, err := p.creds.GetByEmail(ctx, email)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			// unknown addresses look like success
			p.logger.Debug("password reset for unknown email", slog.String("email", email))
			return nil
		}
		return err
	}
	code, err := p.tokens.GenerateResetToken(cred.SubjectID, cred.Email, p.cfg.ResetTTL)
	if err != nil {
		return domain.Infrastructure("issue reset code", err)
	}
	if err := p.mailer.SendPasswordReset(ctx, cred.Email, code); err != nil {
		return domain.Infrastructure("send reset email", err)
	}
	return nil
}

// confirmReset consumes code and returns the subject whose password changed.
// A storage failure releases the code so the user can retry it.
func (p *Provider) confirmReset(ctx context.Context, code, newPassword string) (string, error) {
	claims, err := p.tokens.ValidateToken(code, auth.PurposeReset)
	if err != nil {
		return "", errInvalidResetCode
	}
	if err := p.checkStrength(newPassword); err != nil {
		return "", err
	}
	ttl := p.cfg.ResetTTL
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(p.now())
	}
	if !p.used.SetIfAbsent(claims.ID, struct{}{}, ttl) {
		return "", errInvalidResetCode
	}
	if err := p.setPassword(ctx, claims.UserID, newPassword); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return "", errInvalidResetCode
		}
		p.used.Delete(claims.ID)
		return "", err
	}
	// the code reached the inbox, so the address is proven
	if err := p.creds.MarkEmailVerified(ctx, claims.UserID, p.now().UTC()); err != nil {
		p.used.Delete(claims.ID)
		return "", err
	}
	p.used.Sweep()
	return claims.UserID, nil
}

func (p *Provider) checkStrength(password string) error {
	if len(password) < p.cfg.PasswordMinLength {
		return domain.NewError(domain.KindWeakPassword, "weak_password",
			fmt.Sprintf("password must be at least %d characters", p.cfg.PasswordMinLength))
	}
	if strings.TrimSpace(password) == "" {
		return domain.NewError(domain.KindWeakPassword, "weak_password", "password must not be blank")
	}
	return nil
}

func (p *Provider) hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", domain.NewError(domain.KindWeakPassword, "password_too_long", "password exceeds 72 bytes")
		}
		return "", domain.Infrastructure("hash password", err)
	}
	return string(b), nil
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
