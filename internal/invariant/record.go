package invariant

import (
	"strconv"
	"time"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

// Clock bounds persisted timestamps to [Epoch, Now()+Skew].
type Clock struct {
	Epoch time.Time
	Skew  time.Duration
	Now   func() time.Time
}

// DefaultEpoch predates every record this system writes.
var DefaultEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultClock uses wall time with a two minute skew allowance.
func DefaultClock() Clock {
	return Clock{Epoch: DefaultEpoch, Skew: 2 * time.Minute, Now: time.Now}
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Timestamps checks every timestamp u carries.
func (c Clock) Timestamps(u *domain.User) error {
	upper := c.now().Add(c.Skew)
	check := func(name string, t time.Time) error {
		if t.Before(c.Epoch) || t.After(upper) {
			return violation(RuleTimestampRange, "timestamp outside accepted range", u,
				"field", name, "value", t.UTC().Format(time.RFC3339Nano))
		}
		return nil
	}
	checkOpt := func(name string, t *time.Time) error {
		if t == nil {
			return nil
		}
		return check(name, *t)
	}
	if err := check(domain.FieldCreatedAt, u.CreatedAt); err != nil {
		return err
	}
	if err := check(domain.FieldUpdatedAt, u.UpdatedAt); err != nil {
		return err
	}
	for name, t := range map[string]*time.Time{
		domain.FieldRoleUpdatedAt:         u.RoleUpdatedAt,
		domain.FieldRoleCategoryUpdatedAt: u.RoleCategoryUpdatedAt,
		domain.FieldInviteSentAt:          u.InviteSentAt,
		domain.FieldInviteRespondedAt:     u.InviteRespondedAt,
		domain.FieldDeletedAt:             u.DeletedAt,
	} {
		if err := checkOpt(name, t); err != nil {
			return err
		}
	}
	return nil
}

// Record checks everything that must hold for any persisted record.
func Record(u *domain.User, clock Clock) error {
	if err := identity(u); err != nil {
		return err
	}
	if u.IsOwner() {
		if u.IsDisabled {
			return violation(RuleOwnerNotDisabled, "owner cannot be disabled", u)
		}
		if u.InviteStatus != domain.InviteActivated || !u.IsRegisteredOnERP {
			return violation(RuleOwnerShape, "owner must be activated and registered", u)
		}
	}
	if err := InviteConsistent(u); err != nil {
		return err
	}
	return clock.Timestamps(u)
}

// Transition checks what may never change between two versions of a record.
func Transition(before, after *domain.User, permits ...Permit) error {
	switch {
	case before.ID != after.ID:
		return violation(RuleIDImmutable, "id cannot change", after, "before", before.ID)
	case before.Email != after.Email:
		return violation(RuleEmailImmutable, "email cannot change", after, "before", before.Email, "after", after.Email)
	case before.IsOwner() && !after.IsOwner():
		return violation(RuleOwnerImmutableRole, "owner role cannot change", after, "after", after.Role.String())
	case !before.IsOwner() && after.IsOwner():
		return violation(RuleOwnerNoPromotion, "no user can be promoted to owner", after)
	case before.InviteStatus == domain.InviteActivated && after.InviteStatus != domain.InviteActivated:
		return violation(RuleActivationIrreversible, "activation cannot be undone", after, "after", after.InviteStatus.String())
	case before.InviteStatus == domain.InviteRevoked && after.InviteStatus != domain.InviteRevoked:
		return violation(RuleRevokedTerminal, "revoked invite cannot be reopened", after, "after", after.InviteStatus.String())
	case before.EmailVerified != after.EmailVerified && !has(permits, PermitEmailVerifiedMirror):
		return violation(RuleEmailVerifiedMirror, "email verification is mirrored from the identity provider only", after)
	case after.IsOwner() && after.IsDeleted() && !before.IsDeleted() && !has(permits, PermitOwnerRaceCompensation):
		return violation(RuleOwnerNotDeleted, "owner cannot be deleted", after)
	case before.LinkedTo != "" && before.LinkedTo != after.LinkedTo &&
		!(after.LinkedTo == "" && has(permits, PermitLinkCompensation)):
		return violation(RuleLinkImmutable, "link allocation cannot change", after, "before", before.LinkedTo)
	case before.LinkedFrom != after.LinkedFrom:
		return violation(RuleLinkImmutable, "link origin cannot change", after, "before", before.LinkedFrom)
	}
	return nil
}

// SingleOwner checks that at most one non-deleted owner exists.
func SingleOwner(users []*domain.User) error {
	var owners []string
	for _, u := range users {
		if u.IsOwner() && !u.IsDeleted() {
			owners = append(owners, u.ID)
		}
	}
	if len(owners) > 1 {
		ctx := map[string]string{}
		for i, id := range owners {
			ctx["owner_"+strconv.Itoa(i)] = id
		}
		return violation(RuleOwnerSingle, "more than one owner exists", nil, flatten(ctx)...)
	}
	return nil
}

// UniqueEmails checks email uniqueness among non-deleted users.
func UniqueEmails(users []*domain.User) error {
	seen := map[string]string{}
	for _, u := range users {
		if u.IsDeleted() {
			continue
		}
		if other, ok := seen[u.Email]; ok {
			return violation(RuleEmailUnique, "email used by more than one active user", u,
				"email", u.Email, "other_user_id", other)
		}
		seen[u.Email] = u.ID
	}
	return nil
}

func flatten(m map[string]string) []string {
	out := make([]string, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
