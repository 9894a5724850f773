package invariant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() Clock {
	return Clock{Epoch: DefaultEpoch, Skew: time.Minute, Now: func() time.Time { return testNow }}
}

func owner() *domain.User {
	return &domain.User{
		ID:                "sub-owner",
		Email:             "owner@example.com",
		Role:              domain.RoleOwner,
		InviteStatus:      domain.InviteActivated,
		IsRegisteredOnERP: true,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
}

func invite() *domain.User {
	sent := testNow
	return &domain.User{
		ID:           "inv_1",
		Email:        "emp@example.com",
		Role:         domain.RoleEmployee,
		InviteStatus: domain.InviteInvited,
		InviteSentAt: &sent,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func assertRule(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, domain.KindInvariantViolation, domain.KindOf(err))
	assert.Equal(t, rule, domain.RuleOf(err))
}

func TestOwnerShape(t *testing.T) {
	require.NoError(t, OwnerShape(owner()))

	tests := []struct {
		name   string
		mutate func(u *domain.User)
		rule   string
	}{
		{"wrong role", func(u *domain.User) { u.Role = domain.RoleManager }, RuleOwnerShape},
		{"not activated", func(u *domain.User) { u.InviteStatus = domain.InviteInvited }, RuleOwnerShape},
		{"unregistered", func(u *domain.User) { u.IsRegisteredOnERP = false }, RuleOwnerShape},
		{"disabled", func(u *domain.User) { u.IsDisabled = true }, RuleOwnerNotDisabled},
		{"missing id", func(u *domain.User) { u.ID = "" }, RuleRecordIdentity},
		{"unnormalized email", func(u *domain.User) { u.Email = "Owner@Example.com" }, RuleRecordIdentity},
		{"undefined role", func(u *domain.User) { u.Role = domain.RoleUnknown }, RuleRoleValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := owner()
			tt.mutate(u)
			assertRule(t, OwnerShape(u), tt.rule)
		})
	}
}

func TestInvitedShape(t *testing.T) {
	require.NoError(t, InvitedShape(invite()))

	tests := []struct {
		name   string
		mutate func(u *domain.User)
		rule   string
	}{
		{"owner role", func(u *domain.User) { u.Role = domain.RoleOwner }, RuleRoleAssignable},
		{"activated", func(u *domain.User) { u.InviteStatus = domain.InviteActivated }, RuleInviteShape},
		{"registered", func(u *domain.User) { u.IsRegisteredOnERP = true }, RuleInviteShape},
		{"disabled", func(u *domain.User) { u.IsDisabled = true }, RuleInviteShape},
		{"no sent time", func(u *domain.User) { u.InviteSentAt = nil }, RuleInviteShape},
		{"linked", func(u *domain.User) { u.LinkedTo = "sub-1" }, RuleInviteShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := invite()
			tt.mutate(u)
			assertRule(t, InvitedShape(u), tt.rule)
		})
	}
}

func TestRecordTimestamps(t *testing.T) {
	clock := testClock()
	require.NoError(t, Record(owner(), clock))

	early := owner()
	early.CreatedAt = DefaultEpoch.Add(-time.Second)
	assertRule(t, Record(early, clock), RuleTimestampRange)

	future := invite()
	later := testNow.Add(2 * time.Minute)
	future.InviteSentAt = &later
	assertRule(t, Record(future, clock), RuleTimestampRange)

	withinSkew := invite()
	soon := testNow.Add(30 * time.Second)
	withinSkew.UpdatedAt = soon
	assert.NoError(t, Record(withinSkew, clock))
}

func TestRecordInviteCoupling(t *testing.T) {
	u := invite()
	u.IsRegisteredOnERP = true
	assertRule(t, Record(u, testClock()), RuleRegisteredActivated)

	u.InviteStatus = domain.InviteRevoked
	assertRule(t, Record(u, testClock()), RuleRevokedUnregistered)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		before  func() *domain.User
		mutate  func(u *domain.User)
		permits []Permit
		rule    string
	}{
		{"email change", invite, func(u *domain.User) { u.Email = "other@example.com" }, nil, RuleEmailImmutable},
		{"owner demotion", owner, func(u *domain.User) { u.Role = domain.RoleManager }, nil, RuleOwnerImmutableRole},
		{"promotion", invite, func(u *domain.User) { u.Role = domain.RoleOwner }, nil, RuleOwnerNoPromotion},
		{"reopen revoked", func() *domain.User {
			u := invite()
			u.InviteStatus = domain.InviteRevoked
			return u
		}, func(u *domain.User) { u.InviteStatus = domain.InviteInvited }, nil, RuleRevokedTerminal},
		{"undo activation", owner, func(u *domain.User) { u.InviteStatus = domain.InviteInvited }, nil, RuleActivationIrreversible},
		{"verify without permit", invite, func(u *domain.User) { u.EmailVerified = true }, nil, RuleEmailVerifiedMirror},
		{"delete owner", owner, func(u *domain.User) { u.DeletedAt = &testNow }, nil, RuleOwnerNotDeleted},
		{"relink", func() *domain.User {
			u := invite()
			u.LinkedTo = "sub-a"
			return u
		}, func(u *domain.User) { u.LinkedTo = "sub-b" }, nil, RuleLinkImmutable},
		{"clear link without permit", func() *domain.User {
			u := invite()
			u.LinkedTo = "sub-a"
			return u
		}, func(u *domain.User) { u.LinkedTo = "" }, nil, RuleLinkImmutable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.before()
			after := before.Clone()
			tt.mutate(after)
			assertRule(t, Transition(before, after, tt.permits...), tt.rule)
		})
	}
}

func TestTransitionPermits(t *testing.T) {
	before := invite()
	after := before.Clone()
	after.EmailVerified = true
	assert.NoError(t, Transition(before, after, PermitEmailVerifiedMirror))

	o := owner()
	deleted := o.Clone()
	deleted.DeletedAt = &testNow
	assert.NoError(t, Transition(o, deleted, PermitOwnerRaceCompensation))

	linked := invite()
	linked.LinkedTo = "sub-a"
	unlinked := linked.Clone()
	unlinked.LinkedTo = ""
	assert.NoError(t, Transition(linked, unlinked, PermitLinkCompensation))
}

func TestSingleOwnerIgnoresDeleted(t *testing.T) {
	a := owner()
	b := owner()
	b.ID = "sub-other"
	assertRule(t, SingleOwner([]*domain.User{a, b}), RuleOwnerSingle)

	b.DeletedAt = &testNow
	assert.NoError(t, SingleOwner([]*domain.User{a, b}))
}

func TestUniqueEmailsIgnoresDeleted(t *testing.T) {
	a := invite()
	b := invite()
	b.ID = "inv_2"
	err := UniqueEmails([]*domain.User{a, b})
	assertRule(t, err, RuleEmailUnique)

	a.DeletedAt = &testNow
	assert.NoError(t, UniqueEmails([]*domain.User{a, b}))
}

func TestLifecycleTargets(t *testing.T) {
	o := owner()
	assertRule(t, RoleMutable(o), RuleOwnerImmutableRole)
	assertRule(t, StatusMutable(o, true), RuleOwnerNotDisabled)
	assert.NoError(t, StatusMutable(o, false))
	assertRule(t, Deletable(o), RuleOwnerNotDeleted)
	assertRule(t, Restorable(o), RuleOwnerNotDeleted)
	assert.NoError(t, ProfileMutable(o))

	u := invite()
	assertRule(t, Restorable(u), RuleRestoreRequiresDelete)
	assertRule(t, Reactivatable(u), RuleReactivateRequiresOff)

	u.DeletedAt = &testNow
	assertRule(t, Deletable(u), RuleTargetDeleted)
	assertRule(t, ProfileMutable(u), RuleTargetDeleted)
	assert.NoError(t, Restorable(u))

	u.LinkedTo = "sub-1"
	assertRule(t, Restorable(u), RuleRestoreMigrated)

	assertRule(t, RoleAssignable(domain.RoleOwner), RuleRoleAssignable)
	assertRule(t, RoleAssignable(domain.RoleUnknown), RuleRoleValid)
	assert.NoError(t, RoleAssignable(domain.RoleClient))
}

func TestInviteActivatable(t *testing.T) {
	u := invite()
	assert.NoError(t, InviteActivatable(u))

	u.IsDisabled = true
	assert.ErrorIs(t, InviteActivatable(u), domain.ErrUserDisabled)

	u.IsDisabled = false
	u.InviteStatus = domain.InviteActivated
	assert.ErrorIs(t, InviteActivatable(u), domain.ErrInviteAlreadyAccepted)

	u.InviteStatus = domain.InviteRevoked
	assert.ErrorIs(t, InviteActivatable(u), domain.ErrInviteRevoked)
	assert.ErrorIs(t, InvitePending(u), domain.ErrInviteRevoked)
}

func TestLinkable(t *testing.T) {
	u := invite()
	assert.NoError(t, Linkable(u, "sub-1"))
	assertRule(t, Linkable(u, ""), RuleLinkPlaceholder)
	assertRule(t, Linkable(owner(), "sub-1"), RuleLinkPlaceholder)

	u.LinkedTo = "sub-1"
	assert.NoError(t, Linkable(u, "sub-1"))
	assert.ErrorIs(t, Linkable(u, "sub-2"), domain.ErrIdentityAlreadyLinked)

	revoked := invite()
	revoked.InviteStatus = domain.InviteRevoked
	assertRule(t, Linkable(revoked, "sub-1"), RuleLinkPlaceholder)
}

func TestLinked(t *testing.T) {
	placeholder := invite()
	placeholder.LinkedTo = "sub-1"
	placeholder.DeletedAt = &testNow

	migrated := invite()
	migrated.ID = "sub-1"
	migrated.LinkedFrom = placeholder.ID
	assert.NoError(t, Linked(placeholder, migrated, "sub-1"))

	migrated.Role = domain.RoleClient
	assertRule(t, Linked(placeholder, migrated, "sub-1"), RuleLinkResult)

	live := placeholder.Clone()
	live.DeletedAt = nil
	migrated.Role = placeholder.Role
	assertRule(t, Linked(live, migrated, "sub-1"), RuleLinkResult)
}
