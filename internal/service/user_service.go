package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/observability/tracing"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
)

// PlaceholderPrefix marks ids of invite records not yet linked to an identity.
const PlaceholderPrefix = "inv_"

// UserService owns every write to the user projection. Each operation checks
// invariants before writing and re-checks the stored result after.
type UserService struct {
	repo   domain.UserRepository
	clock  invariant.Clock
	audit  *audit.Logger
	logger *slog.Logger
	newID  func() string
}

// NewUserService creates a new user service
func NewUserService(
	repo domain.UserRepository,
	clock invariant.Clock,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		repo:   repo,
		clock:  clock,
		audit:  auditLog,
		logger: logger.With(slog.String("component", "user_service")),
		newID: func() string {
			return PlaceholderPrefix + ksuid.New().String()
		},
	}
}

// OwnerInput describes the owner bootstrapped for a provider subject.
type OwnerInput struct {
	SubjectID string
	Name      string
	Email     string
	PhotoURL  string
}

// InviteInput describes an invited user.
type InviteInput struct {
	Name         string
	Email        string
	Role         domain.Role
	RoleCategory string
}

// ProfileInput carries self-service profile changes. Nil fields are kept.
type ProfileInput struct {
	Name     *string
	PhotoURL *string
}

// SearchQuery filters users on indexed fields only. Extra holds any other
// requested filters; they are ignored.
type SearchQuery struct {
	Email        *string
	Role         *domain.Role
	RoleCategory *string
	InviteStatus *domain.InviteStatus
	IsDisabled   *bool
	Extra        map[string]string
	Limit        int
	Cursor       string
}

// CreateOwner writes the single owner record. The store rejects a second live
// owner, so of two concurrent bootstraps the later write fails with
// ErrOwnerBootstrapRace. If both writes land anyway the earliest record wins
// and the loser retires its own.
func (s *UserService) CreateOwner(ctx context.Context, in OwnerInput) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "create_owner", in.SubjectID, func(ctx context.Context) error {
		now := s.now()
		u := &domain.User{
			ID:                in.SubjectID,
			Name:              strings.TrimSpace(in.Name),
			Email:             domain.NormalizeEmail(in.Email),
			Role:              domain.RoleOwner,
			PhotoURL:          in.PhotoURL,
			InviteStatus:      domain.InviteActivated,
			InviteRespondedAt: &now,
			IsRegisteredOnERP: true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := invariant.OwnerShape(u); err != nil {
			return err
		}
		owners, err := s.listOwners(ctx)
		if err != nil {
			return err
		}
		if err := invariant.SingleOwner(append(owners, u)); err != nil {
			return err
		}
		if err := s.ensureEmailFree(ctx, u.Email, ""); err != nil {
			return err
		}
		if err := invariant.Record(u, s.clock); err != nil {
			return err
		}

		created, err := s.repo.Create(ctx, u)
		if err != nil {
			if errors.Is(err, domain.ErrOwnerBootstrapRace) {
				metrics.ObserveRace("owner_bootstrap")
				s.logger.Warn("owner bootstrap race lost at write",
					slog.String("user_id", u.ID),
				)
			}
			return err
		}
		if err := invariant.Record(created, s.clock); err != nil {
			return err
		}

		// Stores enforce one live owner on write. This re-read covers a store
		// whose owner index could not be created.
		owners, err = s.listOwners(ctx)
		if err != nil {
			return err
		}
		if winner := earliest(owners); winner != nil && winner.ID != created.ID {
			metrics.ObserveRace("owner_bootstrap")
			s.logger.Warn("owner bootstrap race lost",
				slog.String("user_id", created.ID),
				slog.String("winner_id", winner.ID),
			)
			deletedAt := s.now()
			_, cerr := s.update(ctx, created, domain.UserPatch{DeletedAt: &deletedAt}, invariant.PermitOwnerRaceCompensation)
			if cerr != nil {
				metrics.ObserveCompensation("owner_bootstrap", "retire_owner", "failed")
				return domain.WithCompensation(domain.ErrOwnerBootstrapRace, cerr)
			}
			metrics.ObserveCompensation("owner_bootstrap", "retire_owner", "ok")
			return domain.ErrOwnerBootstrapRace
		}
		out = created
		return nil
	})
	return out, err
}

// CreateInvitedUser writes an invite placeholder keyed by a fresh placeholder id.
func (s *UserService) CreateInvitedUser(ctx context.Context, in InviteInput) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "create_invite", "", func(ctx context.Context) error {
		if err := invariant.RoleAssignable(in.Role); err != nil {
			return err
		}
		now := s.now()
		u := &domain.User{
			ID:           s.newID(),
			Name:         strings.TrimSpace(in.Name),
			Email:        domain.NormalizeEmail(in.Email),
			Role:         in.Role,
			RoleCategory: strings.TrimSpace(in.RoleCategory),
			InviteStatus: domain.InviteInvited,
			InviteSentAt: &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := invariant.InvitedShape(u); err != nil {
			return err
		}
		if err := invariant.Record(u, s.clock); err != nil {
			return err
		}
		if err := s.ensureEmailFree(ctx, u.Email, ""); err != nil {
			return err
		}
		created, err := s.repo.Create(ctx, u)
		if err != nil {
			return err
		}
		if err := invariant.Record(created, s.clock); err != nil {
			return err
		}
		s.detectEmailRace(ctx, created.Email)
		out = created
		return nil
	})
	return out, err
}

// LinkIdentity moves a placeholder onto a provider subject in two steps:
// allocate (the placeholder is marked LinkedTo and retired) then migrate
// (a copy keyed by the subject is written with LinkedFrom). A replay after a
// partial failure finishes the remaining step.
func (s *UserService) LinkIdentity(ctx context.Context, placeholderID, subjectID string) error {
	return s.track(ctx, "link_identity", placeholderID, func(ctx context.Context) error {
		placeholder, err := s.repo.GetByID(ctx, placeholderID, domain.GetOptions{IncludeDeleted: true})
		if err != nil {
			return err
		}
		if err := invariant.Linkable(placeholder, subjectID); err != nil {
			return err
		}

		existing, err := s.repo.GetByID(ctx, subjectID, domain.GetOptions{IncludeDeleted: true})
		switch {
		case err == nil && existing.LinkedFrom != placeholderID:
			metrics.ObserveRace("identity_linked")
			return domain.ErrIdentityAlreadyLinked.WithContext("subject_id", subjectID)
		case err != nil && !domain.IsKind(err, domain.KindNotFound):
			return err
		}

		allocated := placeholder
		if placeholder.LinkedTo == "" {
			now := s.now()
			allocated, err = s.update(ctx, placeholder, domain.UserPatch{LinkedTo: &subjectID, DeletedAt: &now})
			if err != nil {
				return err
			}
			// no compare-and-set: the last allocation wins, earlier ones back off
			reread, err := s.repo.GetByID(ctx, placeholderID, domain.GetOptions{IncludeDeleted: true})
			if err != nil {
				return err
			}
			if reread.LinkedTo != subjectID {
				metrics.ObserveRace("identity_linked")
				return domain.ErrIdentityAlreadyLinked.WithContext("user_id", placeholderID)
			}
			allocated = reread
		}

		migrated := existing
		if migrated == nil {
			next := placeholder.Clone()
			next.ID = subjectID
			next.LinkedTo = ""
			next.LinkedFrom = placeholderID
			next.DeletedAt = nil
			next.UpdatedAt = s.now()
			if err := invariant.Record(next, s.clock); err != nil {
				return err
			}
			migrated, err = s.repo.Create(ctx, next)
			if err != nil {
				if !errors.Is(err, domain.ErrDuplicateID) {
					return err
				}
				migrated, err = s.repo.GetByID(ctx, subjectID, domain.GetOptions{IncludeDeleted: true})
				if err != nil {
					return err
				}
				if migrated.LinkedFrom != placeholderID {
					metrics.ObserveRace("identity_linked")
					return domain.ErrIdentityAlreadyLinked.WithContext("subject_id", subjectID)
				}
			}
		}

		if err := invariant.Linked(allocated, migrated, subjectID); err != nil {
			return err
		}
		return invariant.Record(migrated, s.clock)
	})
}

// ActivateInvite completes onboarding for an invited user.
func (s *UserService) ActivateInvite(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "activate_invite", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.InviteActivatable(u); err != nil {
			return err
		}
		now := s.now()
		activated := domain.InviteActivated
		registered := true
		out, err = s.update(ctx, u, domain.UserPatch{
			InviteStatus:      &activated,
			IsRegisteredOnERP: &registered,
			InviteRespondedAt: &now,
		})
		return err
	})
	return out, err
}

// UpdateRole changes role and, when roleCategory is non-nil, the category.
// Timestamps move only for values that actually change.
func (s *UserService) UpdateRole(ctx context.Context, userID string, role domain.Role, roleCategory *string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "update_role", userID, func(ctx context.Context) error {
		if err := invariant.RoleAssignable(role); err != nil {
			return err
		}
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.RoleMutable(u); err != nil {
			return err
		}
		now := s.now()
		var patch domain.UserPatch
		if role != u.Role {
			patch.Role = &role
			patch.RoleUpdatedAt = &now
		}
		if roleCategory != nil {
			rc := strings.TrimSpace(*roleCategory)
			if rc != u.RoleCategory {
				patch.RoleCategory = &rc
				patch.RoleCategoryUpdatedAt = &now
			}
		}
		if patch.Empty() {
			out = u
			return nil
		}
		out, err = s.update(ctx, u, patch)
		return err
	})
	return out, err
}

// UpdateStatus enables or disables a user. The owner is never disabled.
func (s *UserService) UpdateStatus(ctx context.Context, userID string, isDisabled bool) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "update_status", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.StatusMutable(u, isDisabled); err != nil {
			return err
		}
		if u.IsDisabled == isDisabled {
			out = u
			return nil
		}
		out, err = s.update(ctx, u, domain.UserPatch{IsDisabled: &isDisabled})
		return err
	})
	return out, err
}

// UpdateProfile changes display fields.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "update_profile", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.ProfileMutable(u); err != nil {
			return err
		}
		var patch domain.UserPatch
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name != u.Name {
				patch.Name = &name
			}
		}
		if in.PhotoURL != nil && *in.PhotoURL != u.PhotoURL {
			patch.PhotoURL = in.PhotoURL
		}
		if patch.Empty() {
			out = u
			return nil
		}
		out, err = s.update(ctx, u, patch)
		return err
	})
	return out, err
}

func (s *UserService) SoftDelete(ctx context.Context, userID string) error {
	return s.track(ctx, "soft_delete", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.Deletable(u); err != nil {
			return err
		}
		now := s.now()
		_, err = s.update(ctx, u, domain.UserPatch{DeletedAt: &now})
		return err
	})
}

// Restore undoes a soft delete unless the email has been taken since.
func (s *UserService) Restore(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "restore", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{IncludeDeleted: true})
		if err != nil {
			return err
		}
		if err := invariant.Restorable(u); err != nil {
			return err
		}
		if err := s.ensureEmailFree(ctx, u.Email, u.ID); err != nil {
			return err
		}
		out, err = s.update(ctx, u, domain.UserPatch{ClearDeletedAt: true})
		if err != nil {
			return err
		}
		s.detectEmailRace(ctx, out.Email)
		return nil
	})
	return out, err
}

func (s *UserService) Reactivate(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "reactivate", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.Reactivatable(u); err != nil {
			return err
		}
		enabled := false
		out, err = s.update(ctx, u, domain.UserPatch{IsDisabled: &enabled})
		return err
	})
	return out, err
}

// ResendInvite refreshes InviteSentAt on a pending invite.
func (s *UserService) ResendInvite(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "resend_invite", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.InvitePending(u); err != nil {
			return err
		}
		now := s.now()
		out, err = s.update(ctx, u, domain.UserPatch{InviteSentAt: &now})
		return err
	})
	return out, err
}

// RevokeInvite closes a pending invite for good.
func (s *UserService) RevokeInvite(ctx context.Context, userID string) (*domain.User, error) {
	var out *domain.User
	err := s.track(ctx, "revoke_invite", userID, func(ctx context.Context) error {
		u, err := s.repo.GetByID(ctx, userID, domain.GetOptions{})
		if err != nil {
			return err
		}
		if err := invariant.InvitePending(u); err != nil {
			return err
		}
		now := s.now()
		revoked := domain.InviteRevoked
		out, err = s.update(ctx, u, domain.UserPatch{InviteStatus: &revoked, InviteRespondedAt: &now})
		return err
	})
	return out, err
}

// GetByID returns an active user.
func (s *UserService) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.GetByID(ctx, userID, domain.GetOptions{})
}

// Search lists active users matching the indexed filters.
func (s *UserService) Search(ctx context.Context, q SearchQuery) (*domain.UserPage, error) {
	var where []domain.Where
	if q.Email != nil {
		where = append(where, domain.Eq(domain.FieldEmail, domain.NormalizeEmail(*q.Email)))
	}
	if q.Role != nil {
		where = append(where, domain.Eq(domain.FieldRole, *q.Role))
	}
	if q.RoleCategory != nil {
		where = append(where, domain.Eq(domain.FieldRoleCategory, *q.RoleCategory))
	}
	if q.InviteStatus != nil {
		where = append(where, domain.Eq(domain.FieldInviteStatus, *q.InviteStatus))
	}
	if q.IsDisabled != nil {
		where = append(where, domain.Eq(domain.FieldIsDisabled, *q.IsDisabled))
	}
	if len(q.Extra) > 0 {
		keys := make([]string, 0, len(q.Extra))
		for k := range q.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s.logger.Debug("ignoring unindexed search filters", slog.String("fields", strings.Join(keys, ",")))
	}

	ctx, span := tracing.Start(ctx, "user.search", attribute.Int("filters", len(where)))
	page, err := s.repo.Find(ctx, domain.FindQuery{Where: where, Limit: q.Limit, StartAfter: q.Cursor})
	tracing.End(span, err)
	metrics.ObserveLifecycle("search", resultOf(err))
	return page, err
}

// mirrorEmailVerified copies the provider's verification flag. It is the
// only writer of EmailVerified.
func (s *UserService) mirrorEmailVerified(ctx context.Context, u *domain.User, verified bool) (*domain.User, error) {
	if u.EmailVerified == verified {
		return u, nil
	}
	var out *domain.User
	err := s.track(ctx, "mirror_email_verified", u.ID, func(ctx context.Context) error {
		var err error
		out, err = s.update(ctx, u, domain.UserPatch{EmailVerified: &verified}, invariant.PermitEmailVerifiedMirror)
		return err
	})
	return out, err
}

// unlinkIdentity reverses LinkIdentity. Safe to repeat.
func (s *UserService) unlinkIdentity(ctx context.Context, placeholderID, subjectID string) error {
	return s.track(ctx, "unlink_identity", placeholderID, func(ctx context.Context) error {
		migrated, err := s.repo.GetByID(ctx, subjectID, domain.GetOptions{IncludeDeleted: true})
		switch {
		case err == nil:
			if migrated.LinkedFrom == placeholderID && !migrated.IsDeleted() {
				now := s.now()
				if _, err := s.update(ctx, migrated, domain.UserPatch{DeletedAt: &now}); err != nil {
					return err
				}
			}
		case !domain.IsKind(err, domain.KindNotFound):
			return err
		}

		placeholder, err := s.repo.GetByID(ctx, placeholderID, domain.GetOptions{IncludeDeleted: true})
		if err != nil {
			return err
		}
		if placeholder.LinkedTo != subjectID {
			return nil
		}
		empty := ""
		_, err = s.update(ctx, placeholder, domain.UserPatch{LinkedTo: &empty, ClearDeletedAt: true}, invariant.PermitLinkCompensation)
		return err
	})
}

// findInviteByEmail returns the active record an invitee signs up against.
func (s *UserService) findInviteByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := s.repo.FindOne(ctx, domain.Eq(domain.FieldEmail, domain.NormalizeEmail(email)))
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.ErrInviteInvalid.WithContext("email", domain.NormalizeEmail(email))
		}
		return nil, err
	}
	if u.IsOwner() {
		return nil, domain.ErrInviteInvalid.WithContext("email", u.Email)
	}
	return u, nil
}

// ownerExists reports whether a non-deleted owner record exists.
func (s *UserService) ownerExists(ctx context.Context) (bool, error) {
	owners, err := s.listOwners(ctx)
	return len(owners) > 0, err
}

// emailInUse reports whether an active record already holds email.
func (s *UserService) emailInUse(ctx context.Context, email string) (bool, error) {
	err := s.ensureEmailFree(ctx, domain.NormalizeEmail(email), "")
	if errors.Is(err, domain.ErrEmailAlreadyInUse) {
		return true, nil
	}
	return false, err
}

func (s *UserService) listOwners(ctx context.Context) ([]*domain.User, error) {
	page, err := s.repo.Find(ctx, domain.FindQuery{
		Where: []domain.Where{domain.Eq(domain.FieldRole, domain.RoleOwner)},
		Limit: domain.MaxPageSize,
	})
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (s *UserService) ensureEmailFree(ctx context.Context, email, exceptID string) error {
	page, err := s.repo.Find(ctx, domain.FindQuery{
		Where: []domain.Where{domain.Eq(domain.FieldEmail, email)},
		Limit: 2,
	})
	if err != nil {
		return err
	}
	for _, u := range page.Data {
		if u.ID != exceptID {
			return domain.ErrEmailAlreadyInUse.WithContext("email", email)
		}
	}
	return nil
}

// detectEmailRace reports a duplicate written in the check-then-write window.
// The reconciliation worker resolves it.
func (s *UserService) detectEmailRace(ctx context.Context, email string) {
	page, err := s.repo.Find(ctx, domain.FindQuery{
		Where: []domain.Where{domain.Eq(domain.FieldEmail, email)},
		Limit: 2,
	})
	if err != nil || len(page.Data) < 2 {
		return
	}
	metrics.ObserveRace("email_duplicate")
	s.logger.Warn("duplicate active email detected",
		slog.String("email", email),
		slog.String("user_id", page.Data[0].ID),
		slog.String("other_user_id", page.Data[1].ID),
	)
}

// update writes patch and checks the stored result against before.
func (s *UserService) update(ctx context.Context, before *domain.User, patch domain.UserPatch, permits ...invariant.Permit) (*domain.User, error) {
	patch.UpdatedAt = s.now()
	after, err := s.repo.Update(ctx, before.ID, patch)
	if err != nil {
		return nil, err
	}
	if err := invariant.Record(after, s.clock); err != nil {
		s.logger.Error("stored record violates invariant",
			slog.String("user_id", after.ID),
			slog.String("rule", domain.RuleOf(err)),
		)
		return nil, err
	}
	if err := invariant.Transition(before, after, permits...); err != nil {
		s.logger.Error("stored transition violates invariant",
			slog.String("user_id", after.ID),
			slog.String("rule", domain.RuleOf(err)),
		)
		return nil, err
	}
	return after, nil
}

// track wraps an operation with a span, a metric and an audit record.
func (s *UserService) track(ctx context.Context, op, targetID string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Start(ctx, "user."+op, attribute.String("user.id", targetID))
	err := fn(ctx)
	tracing.End(span, err)

	result := resultOf(err)
	metrics.ObserveLifecycle(op, result)
	observeViolation(err)
	s.audit.LogLifecycle(ctx, op, targetID, result, detailOf(err))
	if err != nil && domain.KindOf(err) == domain.KindInfrastructure {
		s.logger.Error("user operation failed",
			slog.String("operation", op),
			slog.String("user_id", targetID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (s *UserService) now() time.Time {
	now := time.Now
	if s.clock.Now != nil {
		now = s.clock.Now
	}
	return now().UTC().Truncate(time.Millisecond)
}

// earliest picks the bootstrap winner: oldest CreatedAt, then lowest ID.
func earliest(users []*domain.User) *domain.User {
	var winner *domain.User
	for _, u := range users {
		if winner == nil || u.CreatedAt.Before(winner.CreatedAt) ||
			(u.CreatedAt.Equal(winner.CreatedAt) && u.ID < winner.ID) {
			winner = u
		}
	}
	return winner
}

// observeViolation counts err when it names a broken rule. It returns err.
func observeViolation(err error) error {
	if rule := domain.RuleOf(err); rule != "" {
		metrics.ObserveInvariantViolation(rule)
	}
	return err
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.KindOf(err).String()
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	if rule := domain.RuleOf(err); rule != "" {
		return rule
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "infrastructure"
}
