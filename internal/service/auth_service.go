package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/observability/tracing"
	"github.com/aryan0dhankhar/accessgate/internal/reliability/retry"
	"github.com/aryan0dhankhar/accessgate/internal/security"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
	"github.com/aryan0dhankhar/accessgate/internal/session"
)

// AuthService orchestrates one client session across the identity provider
// and the user projection. Create one per session; instances share only
// their collaborators.
type AuthService struct {
	users    *UserService
	provider domain.IdentityProvider
	authz    *security.AuthorizationService
	machine  *session.Machine
	audit    *audit.Logger
	retry    *retry.Config
	logger   *slog.Logger

	// busy counts explicit operations in flight; provider events are
	// ignored meanwhile and the operation resolves at its end.
	busy atomic.Int32

	mu          sync.Mutex
	latest      domain.AuthChange
	unsubscribe func()
}

// NewAuthService creates a new authentication service
func NewAuthService(
	users *UserService,
	provider domain.IdentityProvider,
	authz *security.AuthorizationService,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "auth_service"))
	if authz == nil {
		authz = security.NewAuthorizationService(auditLog, logger)
	}
	return &AuthService{
		users:    users,
		provider: provider,
		authz:    authz,
		machine:  session.New(logger),
		audit:    auditLog,
		retry:    retry.CompensationConfig(),
		logger:   logger,
	}
}

// WithCompensationRetry replaces the retry policy for rollback steps.
func (s *AuthService) WithCompensationRetry(cfg *retry.Config) *AuthService {
	s.retry = cfg
	return s
}

// Start subscribes to the provider and resolves its current subject.
func (s *AuthService) Start(ctx context.Context) error {
	s.busy.Add(1)
	unsubscribe := s.provider.Subscribe(func(ch domain.AuthChange) {
		s.mu.Lock()
		s.latest = ch
		s.mu.Unlock()
		if s.busy.Load() > 0 {
			return
		}
		if err := s.resolveChange(context.WithoutCancel(ctx), ch); err != nil {
			s.logger.Info("session resolution failed", slog.String("error", err.Error()))
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	initial := s.latest
	s.mu.Unlock()
	s.busy.Add(-1)

	return s.resolveChange(ctx, initial)
}

// Close stops listening to the provider.
func (s *AuthService) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Refresh re-runs post-authentication resolution for the current subject.
// A user disabled since sign-in is signed out here.
func (s *AuthService) Refresh(ctx context.Context) error {
	return s.resolveChange(ctx, s.latestChange())
}

// OwnerBootstrap creates the first credential and the owner record for it.
func (s *AuthService) OwnerBootstrap(ctx context.Context, email, password, name string) (*domain.User, error) {
	var out *domain.User
	err := s.run(ctx, "owner_bootstrap", func(ctx context.Context) error {
		exists, err := s.users.ownerExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return observeViolation(domain.Violation(invariant.RuleOwnerSingle, "an owner already exists", nil))
		}
		inUse, err := s.users.emailInUse(ctx, email)
		if err != nil {
			return err
		}
		if inUse {
			return domain.ErrEmailAlreadyInUse.WithContext("email", domain.NormalizeEmail(email))
		}

		s.beginAuthentication(ctx)
		subject, err := s.provider.CreateAccount(ctx, email, password)
		if err != nil {
			s.failAuthentication(ctx)
			return err
		}
		tx := newSaga("owner_bootstrap", s.retry, s.logger)
		tx.onFailure("delete_credential", func(ctx context.Context) error {
			return s.provider.DeleteAccount(ctx, subject)
		})

		if _, err := s.users.CreateOwner(ctx, OwnerInput{SubjectID: subject, Name: name, Email: email}); err != nil {
			err = tx.compensate(ctx, err)
			s.failAuthentication(ctx)
			return err
		}
		out, err = s.completeAuthentication(ctx, subject)
		return err
	})
	return out, err
}

// SignIn authenticates with the provider and resolves the projection.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*domain.User, error) {
	var out *domain.User
	err := s.run(ctx, "sign_in", func(ctx context.Context) error {
		s.beginAuthentication(ctx)
		subject, err := s.provider.SignIn(ctx, email, password)
		if err != nil {
			s.failAuthentication(ctx)
			return err
		}
		out, err = s.completeAuthentication(ctx, subject)
		return err
	})
	return out, err
}

// SignUpWithInvite creates a credential for a pending invite, links the
// placeholder to it and activates the invite. Any failure after the
// credential exists rolls back in reverse order.
func (s *AuthService) SignUpWithInvite(ctx context.Context, email, password string) (*domain.User, error) {
	var out *domain.User
	err := s.run(ctx, "sign_up_with_invite", func(ctx context.Context) error {
		invite, err := s.users.findInviteByEmail(ctx, email)
		if err != nil {
			return err
		}
		if err := invariant.InviteActivatable(invite); err != nil {
			return observeViolation(err)
		}

		s.beginAuthentication(ctx)
		subject, err := s.provider.CreateAccount(ctx, email, password)
		if err != nil {
			s.failAuthentication(ctx)
			return err
		}
		tx := newSaga("sign_up_with_invite", s.retry, s.logger)
		tx.onFailure("delete_credential", func(ctx context.Context) error {
			return s.provider.DeleteAccount(ctx, subject)
		})
		fail := func(err error) error {
			err = tx.compensate(ctx, err)
			s.failAuthentication(ctx)
			return err
		}

		current, err := s.users.repo.GetByID(ctx, invite.ID, domain.GetOptions{IncludeDeleted: true})
		if err != nil {
			return fail(err)
		}
		if current.LinkedTo != "" && current.LinkedTo != subject {
			metrics.ObserveRace("identity_linked")
			return fail(domain.ErrIdentityAlreadyLinked.WithContext("user_id", invite.ID))
		}

		tx.onFailure("unlink_identity", func(ctx context.Context) error {
			return s.users.unlinkIdentity(ctx, invite.ID, subject)
		})
		if err := s.users.LinkIdentity(ctx, invite.ID, subject); err != nil {
			return fail(err)
		}
		if _, err := s.users.ActivateInvite(ctx, subject); err != nil {
			return fail(err)
		}
		out, err = s.completeAuthentication(ctx, subject)
		return err
	})
	return out, err
}

// AcceptInvite activates the invite of the signed-in user.
func (s *AuthService) AcceptInvite(ctx context.Context) (*domain.User, error) {
	var out *domain.User
	err := s.run(ctx, "accept_invite", func(ctx context.Context) error {
		current, err := s.RequireAuthenticated()
		if err != nil {
			return err
		}
		u, err := s.users.repo.GetByID(ctx, current.ID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.InviteActivatable(u); err != nil {
			return observeViolation(err)
		}
		out, err = s.users.ActivateInvite(ctx, u.ID)
		if err != nil {
			return err
		}
		_, err = s.machine.Transition(session.StateAuthenticated, out)
		return err
	})
	return out, err
}

// SignOut always ends in the unauthenticated state, whatever the provider says.
func (s *AuthService) SignOut(ctx context.Context) error {
	return s.run(ctx, "sign_out", func(ctx context.Context) error {
		err := s.provider.SignOut(ctx)
		if _, terr := s.machine.Transition(session.StateUnauthenticated, nil); terr != nil {
			return terr
		}
		return err
	})
}

func (s *AuthService) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	return s.run(ctx, "change_password", func(ctx context.Context) error {
		if _, err := s.RequireAuthenticated(); err != nil {
			return err
		}
		return s.provider.ChangePassword(ctx, oldPassword, newPassword)
	})
}

// ConfirmPassword re-checks the signed-in user's password.
func (s *AuthService) ConfirmPassword(ctx context.Context, password string) error {
	return s.run(ctx, "confirm_password", func(ctx context.Context) error {
		if _, err := s.RequireAuthenticated(); err != nil {
			return err
		}
		return s.provider.Reauthenticate(ctx, password)
	})
}

func (s *AuthService) SendPasswordResetEmail(ctx context.Context, email string) error {
	return s.run(ctx, "send_password_reset", func(ctx context.Context) error {
		return s.provider.SendPasswordReset(ctx, email)
	})
}

// ConfirmPasswordReset sets a new password from a reset code. A signed-in
// session is re-resolved so a newly verified email is mirrored.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, code, newPassword string) error {
	return s.run(ctx, "confirm_password_reset", func(ctx context.Context) error {
		if err := s.provider.ConfirmPasswordReset(ctx, code, newPassword); err != nil {
			return err
		}
		if s.machine.State() != session.StateAuthenticated {
			return nil
		}
		return s.resolveChange(ctx, s.latestChange())
	})
}

// SubscribeSession delivers the current snapshot and every later one.
func (s *AuthService) SubscribeSession(fn func(session.Snapshot)) (unsubscribe func()) {
	return s.machine.Subscribe(fn)
}

// Snapshot returns the current session state.
func (s *AuthService) Snapshot() session.Snapshot {
	return s.machine.Snapshot()
}

// RequireAuthenticated returns the session user or ErrNotAuthenticated.
func (s *AuthService) RequireAuthenticated() (*domain.User, error) {
	snap := s.machine.Snapshot()
	if !snap.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	return snap.User, nil
}

// RequireRole returns the session user if its role is in set.
func (s *AuthService) RequireRole(set security.AllowSet) (*domain.User, error) {
	u, err := s.RequireAuthenticated()
	if err != nil {
		return nil, err
	}
	if err := security.CheckRole(u, set); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *AuthService) RequireOwner() (*domain.User, error) {
	u, err := s.RequireAuthenticated()
	if err != nil {
		return nil, err
	}
	if err := security.CheckOwner(u); err != nil {
		return nil, err
	}
	return u, nil
}

// RequireSelf returns the session user if it is targetID.
func (s *AuthService) RequireSelf(targetID string) (*domain.User, error) {
	u, err := s.RequireAuthenticated()
	if err != nil {
		return nil, err
	}
	if err := security.CheckSelf(u, targetID); err != nil {
		return nil, err
	}
	return u, nil
}

// Authorize returns the session user if it holds permission. Denials are audited.
func (s *AuthService) Authorize(ctx context.Context, permission security.Permission) (*domain.User, error) {
	u, err := s.RequireAuthenticated()
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, u, permission); err != nil {
		return nil, err
	}
	return u, nil
}

// AuthorizeSelfOr admits the session user acting on itself, or holding permission.
func (s *AuthService) AuthorizeSelfOr(ctx context.Context, targetID string, permission security.Permission) (*domain.User, error) {
	u, err := s.RequireAuthenticated()
	if err != nil {
		return nil, err
	}
	if err := s.authz.AuthorizeSelfOr(ctx, u, targetID, permission); err != nil {
		return nil, err
	}
	return u, nil
}

// resolveChange is the event-driven resolution path.
func (s *AuthService) resolveChange(ctx context.Context, ch domain.AuthChange) error {
	s.busy.Add(1)
	defer s.busy.Add(-1)

	if !ch.SignedIn() {
		_, err := s.machine.Transition(session.StateUnauthenticated, nil)
		return err
	}
	if s.machine.State() == session.StateUnauthenticated {
		if _, err := s.machine.Transition(session.StateAuthenticating, nil); err != nil {
			return err
		}
	}
	_, err := s.completeAuthentication(ctx, ch.SubjectID)
	return err
}

// beginAuthentication clears any current session and enters authenticating.
func (s *AuthService) beginAuthentication(ctx context.Context) {
	switch s.machine.State() {
	case session.StateAuthenticating:
		return
	case session.StateAuthenticated:
		if err := s.provider.SignOut(ctx); err != nil {
			s.logger.Warn("sign out before re-authentication failed", slog.String("error", err.Error()))
		}
	}
	if _, err := s.machine.Transition(session.StateUnauthenticated, nil); err != nil {
		s.logger.Error("session transition failed", slog.String("error", err.Error()))
	}
	if _, err := s.machine.Transition(session.StateAuthenticating, nil); err != nil {
		s.logger.Error("session transition failed", slog.String("error", err.Error()))
	}
}

func (s *AuthService) failAuthentication(ctx context.Context) {
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("provider sign out failed", slog.String("error", err.Error()))
	}
	if _, err := s.machine.Transition(session.StateUnauthenticated, nil); err != nil {
		s.logger.Error("session transition failed", slog.String("error", err.Error()))
	}
}

// completeAuthentication resolves subject to its user record. An orphaned
// credential or a disabled user is signed out and reported.
func (s *AuthService) completeAuthentication(ctx context.Context, subject string) (*domain.User, error) {
	u, err := s.resolveSubject(ctx, subject)
	if err != nil {
		s.failAuthentication(ctx)
		return nil, err
	}
	if _, err := s.machine.Transition(session.StateAuthenticated, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *AuthService) resolveSubject(ctx context.Context, subject string) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, subject)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			s.logger.Warn("credential has no user record", slog.String("subject_id", subject))
			return nil, domain.ErrOrphanAccount.WithContext("subject_id", subject)
		}
		return nil, err
	}
	if u.IsDisabled {
		return nil, domain.ErrUserDisabled.WithContext("user_id", u.ID)
	}
	ch := s.latestChange()
	if ch.SubjectID != subject {
		return u, nil
	}
	return s.users.mirrorEmailVerified(ctx, u, ch.EmailVerified)
}

func (s *AuthService) latestChange() domain.AuthChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// run marks the service busy and records the operation.
func (s *AuthService) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.busy.Add(1)
	defer s.busy.Add(-1)

	start := time.Now()
	ctx, span := tracing.Start(ctx, "auth."+op)
	err := fn(ctx)
	tracing.End(span, err)

	result := resultOf(err)
	metrics.ObserveAuthOperation(op, result, time.Since(start))
	subject := ""
	if snap := s.machine.Snapshot(); snap.User != nil {
		subject = snap.User.ID
	}
	s.audit.LogAuth(ctx, op, subject, result, detailOf(err))
	if err != nil && domain.KindOf(err) == domain.KindInfrastructure {
		s.logger.Error("auth operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
	return err
}
